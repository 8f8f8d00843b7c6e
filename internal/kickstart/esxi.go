package kickstart

var esxiTmpl = mustParseNew("esxi", `# Accept the VMware End User License Agreement
vmaccepteula
# Set the root password for the DCUI and Tech Support Mode
rootpw --iscrypted {{ .RootPwHash }}
{{- if .Disk }}
install --firstdisk={{ .Disk }} --overwritevmfs
{{- else }}
install --firstdisk --overwritevmfs
{{- end }}
# Set the network on the proper network adapter
{{ network . }}
reboot

%firstboot --interpreter=busybox
echo "Wick firstboot executed" > /var/log/wick-firstboot.log
# Ensure serial port is activated
esxcli system settings kernel set -s logPort -v none
esxcli system settings kernel set -s gdbPort -v none
esxcli system settings kernel set -s tty2Port -v com2
# Phone home to mark the install complete
BODY='{"state":"installed"}'
BODY_LEN=$( echo -n ${BODY} | wc -c )
echo -ne "POST {{ .PhoneHomePath }} HTTP/1.0\r\nHost: {{ .PhoneHomeHost }}\r\nContent-Type: application/json\r\nContent-Length: ${BODY_LEN}\r\n\r\n${BODY}" | nc -i 3 {{ .PhoneHomeHost }} {{ .PhoneHomePort }} > /tmp/firstboot-phone-home.log

%post --interpreter=busybox
echo "Wick installation post executed" > /wick-post-ks.log
BODY='{"state":"installing"}'
BODY_LEN=$( echo -n ${BODY} | wc -c )
echo -ne "POST {{ .PhoneHomePath }} HTTP/1.0\r\nHost: {{ .PhoneHomeHost }}\r\nContent-Type: application/json\r\nContent-Length: ${BODY_LEN}\r\n\r\n${BODY}" | nc -i 3 {{ .PhoneHomeHost }} {{ .PhoneHomePort }} > /tmp/post-phone-home.log

%pre --interpreter=busybox
BOOTOPTIONS=$(/sbin/bootOption -o)
echo $BOOTOPTIONS > /cmdline-bootoption
echo $BOOTOPTIONS > /tmp/pre-bootoptions
`)
