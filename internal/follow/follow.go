// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

// Package follow implements the follow-primary child of spec.md §4.7: on
// a primary change, every surviving standby must be told to follow the
// new primary before it rejoins routing.
//
// In the original process design this child detached from its parent's
// signal mask and session, forked once per affected backend, and waited
// on all of them. Here it is a single goroutine, started by the
// failover engine's SpawnFollowChild hook, that runs the command
// template concurrently, one goroutine per backend, and returns once
// every run is done (SPEC_FULL.md §9).
package follow

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pgpool-go/supervisor/internal/command"
	"github.com/pgpool-go/supervisor/internal/followlock"
	"github.com/pgpool-go/supervisor/internal/metrics"
	"github.com/pgpool-go/supervisor/internal/state"
	"github.com/pgpool-go/supervisor/internal/watchdog"
)

// Run executes one follow-primary pass: it remotely locks the
// FollowPrimary resource, blocks on the local lock, marks
// FollowPrimaryOngoing, runs the follow command against every backend
// except newPrimary, then releases both locks in reverse acquisition
// order — exactly the sequencing spec.md §4.7 requires to keep primary
// rediscovery from racing a running follow command.
//
// oldMainID/oldPrimaryID feed the command template's %M/%P/%N/%S
// escapes; newPrimaryID is excluded from the backend loop and supplies
// %m/%H/%r/%R.
func Run(ctx context.Context, area *state.Area, lock *followlock.Lock, wd watchdog.Client, tmpl string, oldMainID, newPrimaryID, oldPrimaryID int, log zerolog.Logger) error {
	if tmpl == "" {
		return nil
	}

	if err := wd.LockStandby(ctx, watchdog.FollowPrimary); err != nil {
		log.Warn().Err(err).Msg("follow: remote lock_standby(follow_primary) failed, proceeding with local lock only")
	}
	defer func() {
		if err := wd.UnlockStandby(ctx, watchdog.FollowPrimary); err != nil {
			log.Warn().Err(err).Msg("follow: remote unlock_standby(follow_primary) failed")
		}
	}()

	if err := lock.AcquireLocalBlocking(ctx); err != nil {
		return fmt.Errorf("follow: acquiring local lock: %w", err)
	}
	defer lock.ReleaseLocal()

	area.SetFollowPrimaryOngoing(true)
	defer area.SetFollowPrimaryOngoing(false)

	newPrimary, hasPrimary := area.Snapshot(newPrimaryID)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, snap := range area.All() {
		if snap.ID == newPrimaryID {
			continue
		}
		snap := snap
		wg.Add(1)
		go func() {
			defer wg.Done()
			vars := command.TemplateVars{
				FailedID:      snap.ID,
				FailedHost:    snap.Host,
				FailedPort:    snap.Port,
				FailedDataDir: snap.DataDir,
				OldMainID:     oldMainID,
				OldPrimaryID:  oldPrimaryID,
			}
			if hasPrimary {
				vars.NewMainID = newPrimary.ID
				vars.NewMainHost = newPrimary.Host
				vars.NewMainPort = newPrimary.Port
				vars.NewMainDataDir = newPrimary.DataDir
			} else {
				vars.NewMainID = -1
			}
			shell := command.Expand(tmpl, vars, log)
			if err := command.Run(ctx, shell); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("follow: backend %d: %w", snap.ID, err)
				}
				mu.Unlock()
				log.Error().Err(err).Int("backend", snap.ID).Msg("follow: follow-primary command failed")
				return
			}
			log.Info().Int("backend", snap.ID).Int("new_primary", newPrimaryID).Msg("follow: backend now following new primary")
		}()
	}
	wg.Wait()

	metrics.FollowPrimaryRunsTotal.Inc()
	return firstErr
}
