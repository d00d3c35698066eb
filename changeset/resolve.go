package changeset

import (
	"context"
	"fmt"

	"github.com/itellico/cachesync"
)

type ResolutionKind string

const (
	// AcceptCurrent keeps the store's values for the conflicting fields.
	AcceptCurrent ResolutionKind = "ACCEPT_CURRENT"
	// AcceptIncoming forces the originally proposed values over the current
	// version.
	AcceptIncoming ResolutionKind = "ACCEPT_INCOMING"
	// Merge submits a caller-merged patch.
	Merge ResolutionKind = "MERGE"
	// Manual records that the conflict is handled out of band.
	Manual ResolutionKind = "MANUAL"
	// Retry re-submits the originally proposed patch at the latest version.
	Retry ResolutionKind = "RETRY"
)

func ParseResolutionKind(s string) (ResolutionKind, error) {
	switch k := ResolutionKind(s); k {
	case AcceptCurrent, AcceptIncoming, Merge, Manual, Retry:
		return k, nil
	}
	return "", &cachesync.ValidationError{Field: "resolution", Reason: fmt.Sprintf("unknown resolution %q", s)}
}

type Resolution struct {
	Kind    ResolutionKind
	Changes map[string]any // Merge only
}

// ResolveConflict settles a CONFLICTED change set. Every kind but Manual
// re-submits deterministically against the version recorded with the
// conflict (Retry reads the latest one), and can conflict again if the
// entity kept moving. Manual only annotates the change set, which stays
// CONFLICTED until it is rejected or resolved otherwise.
func (m *Manager) ResolveConflict(ctx context.Context, id string, res Resolution) (*ChangeSet, error) {
	cs, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cs.Status != StatusConflicted || cs.Conflict == nil {
		return cs, invalidState(cs, "resolve")
	}

	var (
		patch   map[string]any
		version = cs.Conflict.CurrentVersion
	)
	switch res.Kind {
	case AcceptIncoming:
		patch = incoming(cs)
	case AcceptCurrent:
		in := incoming(cs)
		patch = make(map[string]any, len(in))
		for k := range in {
			patch[k] = cs.Conflict.Current[k]
		}
	case Merge:
		if len(res.Changes) == 0 {
			return cs, &cachesync.ValidationError{Field: "changes", Reason: "merge needs at least one change"}
		}
		if err := validateProposal(cs.EntityType, cs.EntityID, res.Changes, cs.Operation, version); err != nil {
			return cs, err
		}
		patch = res.Changes
	case Retry:
		patch = incoming(cs)
		latest, err := m.currentVersion(ctx, cs)
		if err != nil {
			return cs, err
		}
		version = latest
	case Manual:
		err := m.transition(ctx, cs, func(cs *ChangeSet) bool {
			if cs.Status != StatusConflicted {
				return false
			}
			cs.Metadata = withMeta(cs.Metadata, MetaResolution, string(Manual))
			return true
		}, "resolve")
		return cs, err
	default:
		_, err := ParseResolutionKind(string(res.Kind))
		return cs, err
	}

	resubmitWith(cs, patch, version, string(res.Kind))
	m.log.Info("resolving conflict", m.fields(cs).With("resolution", string(res.Kind), "version", version))
	err = m.submit(ctx, cs, nil)
	return cs.Clone(), err
}

// incoming is the patch first proposed for cs, before any resolution
// replaced it.
func incoming(cs *ChangeSet) map[string]any {
	if in, ok := cs.Metadata[MetaIncoming].(map[string]any); ok && len(in) > 0 {
		return in
	}
	return cs.Changes
}

// currentVersion reads the entity's version; 0 when it does not exist, which
// lets a conflicted create be retried after the competing row is gone.
func (m *Manager) currentVersion(ctx context.Context, cs *ChangeSet) (int64, error) {
	var v int64
	err := m.withTimeout(ctx, func(ctx context.Context) error {
		e, err := m.store.FindByKey(ctx, cs.EntityType, cs.EntityID)
		if err != nil {
			return err
		}
		v = e.Version
		return nil
	})
	switch {
	case err == nil:
		return v, nil
	case cachesync.IsNotFound(err) && cs.Operation == cachesync.OpCreate:
		return 0, nil
	case cachesync.IsNotFound(err):
		return 0, err
	}
	return 0, storeErr("find entity", err)
}
