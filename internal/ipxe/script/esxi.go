package script

// ESXiScript boots the Weasel installer off the media mirror. UEFI firmware
// loads bootx64.efi, BIOS loads mboot.c32, both read the module list from
// boot.cfg. The kickstart location travels on the cmdline as ks=.
var ESXiScript = `#!ipxe

echo Loading the ESXi {{ .Version }} installer...
{{- if .TraceID }}
echo Debug TraceID: {{ .TraceID }}
{{- end }}

set base-url {{ .MirrorURL }}
set retries:int32 {{ .Retries }}
set retry_delay:int32 {{ .RetryDelay }}

set idx:int32 0
:retry_kernel
{{- if .UEFI }}
kernel ${base-url}/efi/boot/bootx64.efi -c ${base-url}/boot.cfg ks={{ .KickstartURL }} {{- if .BootDevice }} netdevice={{ .BootDevice }} ksdevice={{ .BootDevice }} {{- end }} {{- range .KernelParams }} {{ . }} {{- end }} && goto boot || iseq ${idx} ${retries} && goto kernel-error || inc idx && echo retry in ${retry_delay} seconds ; sleep ${retry_delay} ; goto retry_kernel
{{- else }}
kernel ${base-url}/mboot.c32 -c ${base-url}/boot.cfg ks={{ .KickstartURL }} {{- if .BootDevice }} netdevice={{ .BootDevice }} ksdevice={{ .BootDevice }} {{- end }} {{- range .KernelParams }} {{ . }} {{- end }} && goto boot || iseq ${idx} ${retries} && goto kernel-error || inc idx && echo retry in ${retry_delay} seconds ; sleep ${retry_delay} ; goto retry_kernel
{{- end }}

:boot
set idx:int32 0
:retry_boot
boot || iseq ${idx} ${retries} && goto boot-error || inc idx && echo retry in ${retry_delay} seconds ; sleep ${retry_delay} ; goto retry_boot

:kernel-error
echo Failed to load kernel
imgfree
exit

:boot-error
echo Failed to boot
imgfree
exit
`

// ESXi holds the values used to generate the ESXi installer script.
type ESXi struct {
	Version      string // example 7.0U2a
	MirrorURL    string // example http://192.168.2.50/mirror/esxi/7.0U2a
	KickstartURL string // example http://192.168.2.50/52:54:00:aa:88:16/ks.cfg
	BootDevice   string // example vmnic0
	UEFI         bool
	KernelParams []string
	TraceID      string
	Retries      int
	RetryDelay   int
}
