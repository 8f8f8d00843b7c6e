package script

// CentOSScript boots the Anaconda installer off the media mirror with a
// per host kickstart. Anaconda reads inst.ks and inst.repo from the kernel
// cmdline.
var CentOSScript = `#!ipxe

echo Loading the CentOS {{ .Version }} installer...
{{- if .TraceID }}
echo Debug TraceID: {{ .TraceID }}
{{- end }}

set base-url {{ .MirrorURL }}
set retries:int32 {{ .Retries }}
set retry_delay:int32 {{ .RetryDelay }}

set idx:int32 0
:retry_kernel
kernel ${base-url}/images/pxeboot/vmlinuz initrd=initrd.img inst.repo=${base-url} inst.ks={{ .KickstartURL }} {{- if .SyslogHost }} inst.syslog={{ .SyslogHost }} {{- end }} {{- range .KernelParams }} {{ . }} {{- end }} && goto download_initrd || iseq ${idx} ${retries} && goto kernel-error || inc idx && echo retry in ${retry_delay} seconds ; sleep ${retry_delay} ; goto retry_kernel

:download_initrd
set idx:int32 0
:retry_initrd
initrd ${base-url}/images/pxeboot/initrd.img && goto boot || iseq ${idx} ${retries} && goto initrd-error || inc idx && echo retry in ${retry_delay} seconds ; sleep ${retry_delay} ; goto retry_initrd

:boot
set idx:int32 0
:retry_boot
boot || iseq ${idx} ${retries} && goto boot-error || inc idx && echo retry in ${retry_delay} seconds ; sleep ${retry_delay} ; goto retry_boot

:kernel-error
echo Failed to load kernel
imgfree
exit

:initrd-error
echo Failed to load initrd
imgfree
exit

:boot-error
echo Failed to boot
imgfree
exit
`

// CentOS holds the values used to generate the CentOS installer script.
type CentOS struct {
	Version      string   // example 7
	MirrorURL    string   // example http://192.168.2.50/mirror/centos/7
	KickstartURL string   // example http://192.168.2.50/52:54:00:aa:88:16/ks.cfg
	SyslogHost   string
	KernelParams []string
	TraceID      string
	Retries      int // number of retries to attempt when fetching kernel and initrd files
	RetryDelay   int // number of seconds to wait between retries
}
