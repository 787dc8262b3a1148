package cloudinit

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/asheplyakov/vmbuilder/internal/config"
	"github.com/asheplyakov/vmbuilder/internal/subprocess"
)

// autounattendTemplate renders a minimal unattended-setup answer file for
// Windows guests: sets the admin password, computer name, and a
// first-logon command that drops the phone-home credentials and calls
// back to the web callback URL, standing in for the cloud-init
// phone_home module that Windows images lack.
const autounattendTemplate = `<?xml version="1.0" encoding="utf-8"?>
<unattend xmlns="urn:schemas-microsoft-com:unattend">
  <settings pass="specialize">
    <component name="Microsoft-Windows-Shell-Setup" processorArchitecture="amd64" publicKeyToken="31bf3856ad364e35" language="neutral" versionScope="nonSxS">
      <ComputerName>{{.Hostname}}</ComputerName>
    </component>
  </settings>
  <settings pass="oobeSystem">
    <component name="Microsoft-Windows-Shell-Setup" processorArchitecture="amd64" publicKeyToken="31bf3856ad364e35" language="neutral" versionScope="nonSxS">
      <UserAccounts>
        <AdministratorPassword>
          <Value>{{.AdminPassword}}</Value>
          <PlainText>true</PlainText>
        </AdministratorPassword>
      </UserAccounts>
      <FirstLogonCommands>
        <SynchronousCommand wcm:action="add" xmlns:wcm="http://schemas.microsoft.com/WMIConfig/2002/State">
          <Order>1</Order>
          <CommandLine>cmd /c a:\phonehome.cmd {{.WebCallbackURL}} {{.InstanceID}}</CommandLine>
        </SynchronousCommand>
      </FirstLogonCommands>
    </component>
  </settings>
</unattend>
`

const phoneHomeCmdTemplate = `@echo off
rem Posts this guest's hostname/instance-id back to %1, mirroring the
rem Linux cloud-init phone_home module for guests that lack cloud-init.
powershell -Command "Invoke-WebRequest -Uri '%1' -Method POST -Body @{hostname='{{.Hostname}}'; instance_id='%2'}"
`

type autounattendData struct {
	Hostname       string
	AdminPassword  string
	WebCallbackURL string
	InstanceID     string
}

// GenerateAutounattend renders Autounattend.xml and its companion
// first-logon script for rec.
func GenerateAutounattend(rec *config.VMRecord) (autounattendXML, phoneHomeCmd string, err error) {
	if rec == nil {
		return "", "", fmt.Errorf("vm record cannot be nil")
	}
	if rec.AdminPassword == "" {
		return "", "", fmt.Errorf("vm %s: admin_password is required for windows guests", rec.Name)
	}

	data := autounattendData{
		Hostname:       rec.Name,
		AdminPassword:  rec.AdminPassword,
		WebCallbackURL: rec.NetworkEnv.WebCallbackURL,
		InstanceID:     rec.InstanceID,
	}

	xmlBuf, err := renderTemplate("autounattend", autounattendTemplate, data)
	if err != nil {
		return "", "", err
	}
	cmdBuf, err := renderTemplate("phonehome", phoneHomeCmdTemplate, data)
	if err != nil {
		return "", "", err
	}
	return xmlBuf, cmdBuf, nil
}

func renderTemplate(name, tpl string, data autounattendData) (string, error) {
	t, err := template.New(name).Parse(tpl)
	if err != nil {
		return "", fmt.Errorf("parsing %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering %s template: %w", name, err)
	}
	return crlf(buf.String()), nil
}

// crlf converts bare LF line endings to CRLF, since Windows setup tools
// expect config files in that form.
func crlf(s string) string {
	out := make([]byte, 0, len(s)+len(s)/20)
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' && (i == 0 || s[i-1] != '\r') {
			out = append(out, '\r', '\n')
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}

// FATBuilder writes a blank FAT12 floppy image and copies files into it
// via mtools (mformat/mcopy), the only FAT writer available in this
// stack since no pure-Go FAT12 writer is wired in.
type FATBuilder struct {
	Runner *subprocess.Runner
}

// NewFATBuilder returns a FATBuilder with a ready-to-use Runner.
func NewFATBuilder() *FATBuilder {
	return &FATBuilder{Runner: &subprocess.Runner{}}
}

func (b *FATBuilder) runner() *subprocess.Runner {
	if b.Runner == nil {
		return &subprocess.Runner{}
	}
	return b.Runner
}

// BuildAutounattendImage renders rec's Autounattend.xml + phonehome.cmd
// into a fresh FAT12 image at imgPath, suitable for attaching as a
// virtual floppy/config drive to a Windows guest.
func (b *FATBuilder) BuildAutounattendImage(ctx context.Context, rec *config.VMRecord, imgPath string, sizeMiB uint64) error {
	xmlDoc, cmdDoc, err := GenerateAutounattend(rec)
	if err != nil {
		return err
	}

	if err := os.Remove(imgPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale %s: %w", imgPath, err)
	}
	if _, err := b.runner().Run(ctx, "mformat", "-C", "-f", fmt.Sprintf("%d", sizeMiB*1024), "-i", imgPath, "::"); err != nil {
		return fmt.Errorf("formatting %s: %w", imgPath, err)
	}

	dir, err := os.MkdirTemp("", "vmbuilder-autounattend-*")
	if err != nil {
		return fmt.Errorf("creating scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	xmlPath := filepath.Join(dir, "Autounattend.xml")
	cmdPath := filepath.Join(dir, "phonehome.cmd")
	if err := os.WriteFile(xmlPath, []byte(xmlDoc), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", xmlPath, err)
	}
	if err := os.WriteFile(cmdPath, []byte(cmdDoc), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", cmdPath, err)
	}

	for _, f := range []string{xmlPath, cmdPath} {
		if _, err := b.runner().Run(ctx, "mcopy", "-i", imgPath, f, "::"); err != nil {
			return fmt.Errorf("copying %s into %s: %w", f, imgPath, err)
		}
	}

	return nil
}
