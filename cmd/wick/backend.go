package main

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/wickboot/wick/internal/backend/file"
	"github.com/wickboot/wick/internal/backend/noop"
)

type File struct {
	// FilePath is the path to a YAML file containing host records.
	FilePath string
	Enabled  bool
}

type Noop struct {
	Enabled bool
}

func (s *File) backend(ctx context.Context, logger logr.Logger) (backendStore, error) {
	f, err := file.NewWatcher(logger, s.FilePath)
	if err != nil {
		return nil, err
	}

	go f.Start(ctx)

	return f, nil
}

func (n *Noop) backend() backendStore {
	return noop.Handler{}
}
