// Package cloudinit provides cloud-init configuration generation for VM provisioning.
package cloudinit

import (
	"bytes"
	"fmt"

	"github.com/kdomanski/iso9660"

	"github.com/asheplyakov/vmbuilder/internal/config"
	"github.com/asheplyakov/vmbuilder/internal/vmerrors"
)

// isoVolumeLabel is the NoCloud datasource's required volume identifier.
// Must be uppercase per the datasource spec.
const isoVolumeLabel = "CIDATA"

// noCloudFile is one rendered file destined for the root of the NoCloud
// ISO, plus the generator that produced it (kept around only for the
// error message on failure).
type noCloudFile struct {
	name string
	gen  func(*config.VMRecord) (string, error)
}

// noCloudLayout is the gen_cloud_conf.py render_and_save set translated to
// Go: three rendered documents written to the root of the ISO9660 image,
// read by cloud-init's NoCloud datasource in this fixed order.
var noCloudLayout = []noCloudFile{
	{"user-data", GenerateUserData},
	{"meta-data", GenerateMetaData},
	{"network-config", GenerateNetworkConfig},
}

// GenerateISO renders rec's NoCloud documents and packs them into an
// ISO9660 image labeled CIDATA, matching gen_cloud_conf.py's
// generate_cc/gen_iso pair (minus the genisoimage shell-out and scratch
// directory, since kdomanski/iso9660 builds the image directly from
// in-memory readers).
//
// See https://cloudinit.readthedocs.io/en/latest/reference/datasources/nocloud.html
func GenerateISO(rec *config.VMRecord) ([]byte, error) {
	if rec == nil {
		return nil, fmt.Errorf("cloudinit: vm record cannot be nil")
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return nil, fmt.Errorf("cloudinit: creating ISO writer: %w", err)
	}
	defer func() { _ = writer.Cleanup() }()

	for _, f := range noCloudLayout {
		content, err := f.gen(rec)
		if err != nil {
			return nil, fmt.Errorf("cloudinit: rendering %s for %s: %w", f.name, rec.Name, err)
		}
		if err := writer.AddFile(bytes.NewReader([]byte(content)), f.name); err != nil {
			return nil, &vmerrors.TemplateRenderFailedError{Template: f.name, Reason: err.Error()}
		}
	}

	var buf bytes.Buffer
	if err := writer.WriteTo(&buf, isoVolumeLabel); err != nil {
		return nil, &vmerrors.TemplateRenderFailedError{Template: "config-drive ISO", Reason: err.Error()}
	}
	return buf.Bytes(), nil
}
