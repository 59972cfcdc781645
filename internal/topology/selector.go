// Package topology implements the source-topology model and member
// selector (spec components C3, C4): turning a BackupSource plus a try
// count into one concrete Connector to operate on.
package topology

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/anthrax3/mongodb-backup-system/internal/mbserrors"
	"github.com/anthrax3/mongodb-backup-system/internal/model"
)

// MemberCandidate is one member a ClusterView can offer up for selection.
// TooStale is computed by the ClusterView implementation against whatever
// advisory threshold it is configured with — the selector only acts on the
// flag, it does not own the threshold itself.
type MemberCandidate struct {
	Address    string
	Priority   int
	LagSeconds float64
	TooStale   bool
}

// ClusterView is the minimal replica-set read surface the selector needs.
// A concrete Connector-backed implementation lives in internal/connector.
type ClusterView interface {
	Primary(ctx context.Context) (*MemberCandidate, error)
	BestSecondary(ctx context.Context, maxLagSeconds float64) (*MemberCandidate, error)
	HasPriorityZeroMembers(ctx context.Context) (bool, error)
}

// Selection is the result of SelectMember: the chosen address plus any
// warning events the caller must append to the task's log.
type Selection struct {
	Address  string
	Warnings []Warning
}

// Warning is a selection-time event the caller must log via Task.LogEvent.
type Warning struct {
	EventName string
	Message   string
}

// SelectMember implements §4.3's replica-set selection algorithm. maxLagSeconds
// of 0 means "no hard lag cutoff".
func SelectMember(ctx context.Context, view ClusterView, prefs model.MemberPreferences) (*Selection, error) {
	sel := &Selection{}

	wantsSecondary := prefs.Preference == model.PreferBest || prefs.Preference == model.PreferSecondaryOnly
	tryingBest := prefs.Preference == model.PreferBest

	if wantsSecondary {
		best, err := view.BestSecondary(ctx, prefs.MaxLagSeconds)
		if err != nil {
			return nil, fmt.Errorf("selecting best secondary: %w", err)
		}

		if best != nil {
			if prefs.MaxLagSeconds > 0 {
				hasP0, err := view.HasPriorityZeroMembers(ctx)
				if err != nil {
					return nil, fmt.Errorf("checking priority-0 membership: %w", err)
				}
				if hasP0 && best.Priority != 0 {
					return nil, mbserrors.New(mbserrors.KindNoEligibleMembers, "selectMember",
						fmt.Sprintf("no eligible p0 secondary found within max lag %.0fs", prefs.MaxLagSeconds))
				}
			}

			if best.TooStale {
				sel.Warnings = append(sel.Warnings, Warning{
					EventName: "USING_TOO_STALE_WARNING",
					Message:   "the dump will be extracted from a too stale member",
				})
			}

			sel.Address = best.Address
			return sel, nil
		}
	}

	if prefs.Preference == model.PreferSecondaryOnly {
		// No secondary and no primary fallback allowed.
		return nil, mbserrors.New(mbserrors.KindNoEligibleMembers, "selectMember", "no eligible secondary found")
	}

	if tryingBest || prefs.Preference == model.PreferPrimaryOnly {
		primary, err := view.Primary(ctx)
		if err != nil {
			return nil, fmt.Errorf("selecting primary: %w", err)
		}
		if primary == nil {
			return nil, mbserrors.New(mbserrors.KindNoEligibleMembers, "selectMember", "no primary available")
		}
		sel.Address = primary.Address
		sel.Warnings = append(sel.Warnings, Warning{
			EventName: "USING_PRIMARY_WARNING",
			Message:   "the dump will be extracted from the primary",
		})
		return sel, nil
	}

	return nil, mbserrors.New(mbserrors.KindNoEligibleMembers, "selectMember", "no member satisfied the configured preference")
}

// ValidateSelection applies §4.3's post-selection validation: connectivity,
// and the member-preference constraint against the role the chosen connector
// actually turned out to have. It may flip the backup to OFFLINE mode (the
// caller persists that change) when allowOfflineBackups is set.
func ValidateSelection(ctx context.Context, logger *slog.Logger, c model.Connector, prefs model.MemberPreferences) (switchedOffline bool, err error) {
	online, err := c.IsOnline(ctx)
	if err != nil {
		return false, fmt.Errorf("checking connector online status: %w", err)
	}

	if !online {
		if prefs.AllowOffline {
			logger.Info("connector is offline; allowOfflineBackups permits continuing", "address", c.Address())
			return true, nil
		}
		if prefs.BackupModeOnline {
			return false, mbserrors.New(mbserrors.KindNoEligibleMembers, "validateSelection",
				fmt.Sprintf("selected connector %s is offline", c.Address()))
		}
	}

	switch prefs.Preference {
	case model.PreferSecondaryOnly:
		if isSecondary, err := c.IsSecondary(ctx); err != nil {
			return false, err
		} else if !isSecondary {
			return false, mbserrors.New(mbserrors.KindNoEligibleMembers, "validateSelection",
				fmt.Sprintf("selected connector %s is not a secondary", c.Address()))
		}
	case model.PreferPrimaryOnly:
		if isPrimary, err := c.IsPrimary(ctx); err != nil {
			return false, err
		} else if !isPrimary {
			return false, mbserrors.New(mbserrors.KindNoEligibleMembers, "validateSelection",
				fmt.Sprintf("selected connector %s is not a primary", c.Address()))
		}
	case model.PreferNotPrimary:
		if isPrimary, err := c.IsPrimary(ctx); err != nil {
			return false, err
		} else if isPrimary {
			return false, mbserrors.New(mbserrors.KindNoEligibleMembers, "validateSelection",
				fmt.Sprintf("selected connector %s is a primary", c.Address()))
		}
	}

	return false, nil
}

// SelectShardedMembers implements §4.3's sharded path: max lag is hard-coded
// to 5 seconds regardless of strategy configuration. It fails only when no
// shard produced an eligible secondary; the selected shard secondaries are
// not validated one by one, and logger and prefs are not used.
func SelectShardedMembers(ctx context.Context, logger *slog.Logger, sharded model.ShardedClusterConnector, prefs model.MemberPreferences) error {
	const shardedMaxLagSeconds = 5

	selected, err := sharded.SelectShardBestSecondaries(ctx, shardedMaxLagSeconds)
	if err != nil {
		return fmt.Errorf("selecting shard best secondaries: %w", err)
	}
	if len(selected) == 0 {
		return mbserrors.New(mbserrors.KindNoEligibleMembers, "selectShardedMembers", "no shard produced an eligible secondary")
	}

	return nil
}
