package script

import "strings"

// MenuScript is the top level boot menu. The default entry boots the local
// disk so a host that has finished installing falls through without operator
// input.
var MenuScript = `#!ipxe

:start
menu Wick network boot menu for ${mac}
item --gap --             -------------------------------------
item local                Boot from local disk
item install              Unattended OS install
item shell                iPXE shell
item reboot               Reboot
choose --default local --timeout {{ .Timeout }} target && goto ${target} || goto local

:local
sanboot --no-describe --drive 0x80 || goto start

:install
chain --autofree {{ .ScriptBaseURL }}/installmenu.ipxe || goto start

:shell
shell

:reboot
reboot
`

// Menu holds the values used to generate the top level boot menu.
type Menu struct {
	// ScriptBaseURL is the base URL the install menu and per host scripts
	// are served from.
	ScriptBaseURL string
	// Timeout is the menu timeout in milliseconds before the default entry
	// is selected.
	Timeout int
}

// InstallMenuScript lists the OS releases the mirror carries. Each entry
// chains to the selecting host's auto.ipxe with the selection in the query so
// an operator can override the host's configured profile.
var InstallMenuScript = `#!ipxe

:start
menu Unattended install for ${mac}
item --gap --             -------------------------------------
{{- range .Entries }}
item {{ .ID }} {{ .Label }}
{{- end }}
item back                 Back to main menu
choose target && goto ${target} || goto back
{{ range .Entries }}
:{{ .ID }}
chain --autofree {{ $.ScriptBaseURL }}/${mac}/auto.ipxe?os={{ .OS }}&version={{ .Version }} || goto start
{{ end }}
:back
chain --autofree {{ .ScriptBaseURL }}/menu.ipxe
`

// InstallMenu holds the values used to generate the install menu.
type InstallMenu struct {
	ScriptBaseURL string
	Entries       []MenuEntry
}

// MenuEntry is one installable OS release.
type MenuEntry struct {
	OS      string // example esxi
	Version string // example 7.0U2a
	Label   string // example "ESXi 7.0 U2a"
}

// ID returns the iPXE menu item token for the entry. Menu item names cannot
// contain dots.
func (m MenuEntry) ID() string {
	return strings.ReplaceAll(m.OS+"-"+m.Version, ".", "-")
}
