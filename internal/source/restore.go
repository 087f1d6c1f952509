package source

import (
	"strings"

	"github.com/petems/tapnote/internal/config"
)

// Restore re-matches a persisted selection against freshly discovered
// sources. The process is matched by bundle id, then bundle path, then
// display name; the input device by UID. Anything unmatched restores as
// nil, meaning the default.
func Restore(persisted config.ProcessSelection, inputUID string, procs, inputs []AudioSource) Selection {
	var sel Selection

	if !persisted.IsZero() {
		sel.Process = matchProcess(persisted, procs)
	}
	if inputUID != "" {
		for i := range inputs {
			if inputs[i].Kind == KindInputDevice && inputs[i].ID == inputUID {
				in := inputs[i]
				sel.Input = &in
				break
			}
		}
	}
	return sel
}

func matchProcess(p config.ProcessSelection, procs []AudioSource) *AudioSource {
	if p.BundleID == AllApplicationsID {
		all := AllApplications()
		return &all
	}

	matchers := []func(AudioSource) bool{
		func(s AudioSource) bool { return p.BundleID != "" && strings.EqualFold(s.BundleID, p.BundleID) },
		func(s AudioSource) bool { return p.BundlePath != "" && s.BundlePath == p.BundlePath },
		func(s AudioSource) bool { return p.Name != "" && s.Name == p.Name },
	}
	for _, match := range matchers {
		for i := range procs {
			if procs[i].Kind == KindProcess && !procs[i].IsAllApplications() && match(procs[i]) {
				s := procs[i]
				return &s
			}
		}
	}
	return nil
}

// Persist converts a selection into the identity fields stored in config.
func Persist(sel Selection) (config.ProcessSelection, string) {
	var (
		proc     config.ProcessSelection
		inputUID string
	)
	if sel.Process != nil {
		if sel.Process.IsAllApplications() {
			proc = config.ProcessSelection{BundleID: AllApplicationsID, Name: sel.Process.Name}
		} else {
			proc = config.ProcessSelection{
				BundleID:   sel.Process.BundleID,
				BundlePath: sel.Process.BundlePath,
				Name:       sel.Process.Name,
			}
		}
	}
	if sel.Input != nil {
		inputUID = sel.Input.ID
	}
	return proc, inputUID
}
