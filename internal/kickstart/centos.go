package kickstart

var centosTmpl = mustParseNew("centos", `# CentOS unattended install
install
url --url={{ .MirrorURL }}
text
skipx
lang en_US.UTF-8
keyboard us
timezone UTC --isUtc
{{- if .RootPwHash }}
rootpw --iscrypted {{ .RootPwHash }}
{{- else }}
rootpw --lock
{{- end }}
{{ network . }}
{{- if .Disk }}
ignoredisk --only-use={{ .Disk }}
clearpart --all --initlabel --drives={{ .Disk }}
{{- else }}
clearpart --all --initlabel
{{- end }}
autopart
bootloader --location=mbr
auth --enableshadow --passalgo=sha512
firewall --enabled --ssh
selinux --enforcing
firstboot --disable
reboot

%packages
@core
curl
%end

%post --log=/root/ks-post.log
curl -s -X POST -H "Content-Type: application/json" -d '{"state":"installed"}' http://{{ .PhoneHomeHost }}:{{ .PhoneHomePort }}{{ .PhoneHomePath }}
%end
`)
