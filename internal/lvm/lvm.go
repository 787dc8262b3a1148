// Package lvm drives the LVM command-line tools (lvs, pvs, lvcreate,
// lvremove, lvrename) to query and manage thin logical volumes, following
// thinpool.py's parse-machine-readable-output approach. No LVM API library
// is used: the LVM daemon itself serializes metadata changes, so this
// package needs no locking of its own (unlike the kpartx-driving code in
// package clone).
package lvm

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/asheplyakov/vmbuilder/internal/subprocess"
	"github.com/asheplyakov/vmbuilder/internal/vmerrors"
)

// lvmNoSuchLVExit is the exit code lvs/lvremove use to report a missing LV,
// matching thinpool.py's LVM_NO_SUCH_LV.
const lvmNoSuchLVExit = 5

// sep is the field separator requested from lvs/pvs machine-readable
// output; chosen to never collide with LVM names or paths.
const sep = "|"

// ThinLV describes a queried thin logical volume.
type ThinLV struct {
	PoolLV      string
	DataPercent float64
	LVSizeBytes uint64
	LVUUID      string
}

// Adapter drives LVM CLI tools.
type Adapter struct {
	Runner *subprocess.Runner
}

// New returns an Adapter with a default Runner.
func New() *Adapter {
	return &Adapter{Runner: &subprocess.Runner{}}
}

func (a *Adapter) runner() *subprocess.Runner {
	if a.Runner != nil {
		return a.Runner
	}
	return &subprocess.Runner{}
}

// QueryThinLV returns the thin-LV attributes of vg/lv, or a *NoSuchLVError
// if it does not exist.
func (a *Adapter) QueryThinLV(ctx context.Context, vg, lv string) (*ThinLV, error) {
	out, err := a.runner().Run(ctx, "lvs",
		"--noheadings", "--nosuffix", "--units", "b",
		"--separator", sep,
		"-o", "pool_lv,data_percent,lv_size,lv_uuid",
		fmt.Sprintf("%s/%s", vg, lv),
	)
	if err != nil {
		if sf, ok := err.(*vmerrors.SubprocessFailedError); ok && sf.ExitCode == lvmNoSuchLVExit {
			return nil, &vmerrors.NoSuchLVError{VG: vg, LV: lv}
		}
		return nil, err
	}

	return parseLVSLine(out)
}

// parseLVSLine parses a single lvs --separator "|" -o
// pool_lv,data_percent,lv_size,lv_uuid line.
func parseLVSLine(out string) (*ThinLV, error) {
	fields := strings.Split(strings.TrimSpace(out), sep)
	if len(fields) != 4 {
		return nil, fmt.Errorf("lvm: unexpected lvs output: %q", out)
	}
	dataPct, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err != nil {
		return nil, fmt.Errorf("lvm: parsing data_percent: %w", err)
	}
	sizeBytes, err := strconv.ParseUint(strings.TrimSpace(fields[2]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("lvm: parsing lv_size: %w", err)
	}
	return &ThinLV{
		PoolLV:      strings.TrimSpace(fields[0]),
		DataPercent: dataPct,
		LVSizeBytes: sizeBytes,
		LVUUID:      strings.TrimSpace(fields[3]),
	}, nil
}

// ThinLVExists reports whether vg/lv exists as a thin LV backed by
// thinPool with the given size, without erroring on absence.
func (a *Adapter) ThinLVExists(ctx context.Context, vg, thinPool, lv string, sizeMiB uint64) (bool, error) {
	info, err := a.QueryThinLV(ctx, vg, lv)
	if err != nil {
		var notFound *vmerrors.NoSuchLVError
		if asNoSuchLV(err, &notFound) {
			return false, nil
		}
		return false, err
	}
	wantBytes := sizeMiB * 1024 * 1024
	return info.PoolLV == thinPool && info.LVSizeBytes == wantBytes, nil
}

func asNoSuchLV(err error, target **vmerrors.NoSuchLVError) bool {
	e, ok := err.(*vmerrors.NoSuchLVError)
	if !ok {
		return false
	}
	*target = e
	return true
}

// CreateThinLV creates vg/lv in thinPool sized sizeMiB, unless it already
// exists with matching pool and size — then it is left untouched
// (idempotent no-op), mirroring thinpool.py's create_thin_lv. If force is
// true, a pre-existing mismatched LV is removed and recreated rather than
// erroring.
func (a *Adapter) CreateThinLV(ctx context.Context, vg, thinPool, lv string, sizeMiB uint64, force bool) error {
	exists, err := a.ThinLVExists(ctx, vg, thinPool, lv, sizeMiB)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if _, err := a.QueryThinLV(ctx, vg, lv); err == nil {
		if !force {
			return fmt.Errorf("lvm: %s/%s exists with different pool/size and force=false", vg, lv)
		}
		if err := a.RemoveLV(ctx, vg, lv); err != nil {
			return err
		}
	}

	_, err = a.runner().Run(ctx, "lvcreate",
		"--thin", "-n", lv, "-V", fmt.Sprintf("%dM", sizeMiB), fmt.Sprintf("%s/%s", vg, thinPool),
	)
	return err
}

// RemoveLV force-removes vg/lv.
func (a *Adapter) RemoveLV(ctx context.Context, vg, lv string) error {
	_, err := a.runner().Run(ctx, "lvremove", "-f", fmt.Sprintf("%s/%s", vg, lv))
	return err
}

// RenameLV renames oldName to newName within vg.
func (a *Adapter) RenameLV(ctx context.Context, vg, oldName, newName string) error {
	_, err := a.runner().Run(ctx, "lvrename", vg, oldName, newName)
	return err
}

// CreateThinSnapshot creates a thin snapshot named name of vg/origin.
func (a *Adapter) CreateThinSnapshot(ctx context.Context, vg, origin, name string) error {
	_, err := a.runner().Run(ctx, "lvcreate", "-s", "-n", name, fmt.Sprintf("%s/%s", vg, origin))
	return err
}

// RevertThinSnapshot merges snapshot back into its origin lv, reverting lv
// to the snapshot's state on next activation.
func (a *Adapter) RevertThinSnapshot(ctx context.Context, vg, lv, snapshot string) error {
	_, err := a.runner().Run(ctx, "lvconvert", "--merge", fmt.Sprintf("%s/%s", vg, snapshot))
	return err
}

// VGs returns a mapping of volume group name to the physical volumes that
// back it, parsed from `pvs` with a ';'-style field separator (matching
// thinpool.py's vgs()).
func (a *Adapter) VGs(ctx context.Context) (map[string][]string, error) {
	out, err := a.runner().Run(ctx, "pvs", "--noheadings", "--separator", ";", "-o", "vg_name,pv_name")
	if err != nil {
		return nil, err
	}
	return parsePVSOutput(out), nil
}

// parsePVSOutput parses `pvs --separator ";" -o vg_name,pv_name` output
// into a VG -> []PV mapping, matching thinpool.py's vgs().
func parsePVSOutput(out string) map[string][]string {
	result := make(map[string][]string)
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ";", 2)
		if len(parts) != 2 {
			continue
		}
		vg := strings.TrimSpace(parts[0])
		pv := strings.TrimSpace(parts[1])
		result[vg] = append(result[vg], pv)
	}
	return result
}
