package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/berfenger/powershades2mqtt/internal/core/domain"
	"github.com/berfenger/powershades2mqtt/internal/core/port"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// ExecuteGroup runs cmd on every distinct address concurrently. A member
// failure never cancels the others; each keeps its own retry budget.
func (s *ShadeService) ExecuteGroup(ctx context.Context, addrs []domain.DeviceAddress, cmd domain.Command) map[domain.DeviceAddress]port.GroupResult {
	cmd = cmd.EnsureRef()
	targets := lo.Uniq(addrs)
	results := make(map[domain.DeviceAddress]port.GroupResult, len(targets))

	err := cmd.Validate()
	if err == nil && cmd.Kind == domain.CommandGroup {
		err = fmt.Errorf("%w: groups cannot be nested", domain.ErrValidation)
	}
	if err != nil {
		for _, addr := range targets {
			results[addr] = port.GroupResult{Outcome: rejected(addr, "", cmd, err), Err: err}
		}
		return results
	}

	var mu sync.Mutex
	var g errgroup.Group
	for _, addr := range targets {
		g.Go(func() error {
			member := cmd.WithRef(cmd.Ref + "/" + addr.Slug())
			outcome, err := s.Execute(ctx, addr, member)
			mu.Lock()
			results[addr] = port.GroupResult{Outcome: outcome, Err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// executeGroupCommand runs a group command and folds the member results into
// one outcome: success only if every member succeeded.
func (s *ShadeService) executeGroupCommand(ctx context.Context, cmd domain.Command) (domain.Outcome, error) {
	results := s.ExecuteGroup(ctx, cmd.Targets, (*cmd.Inner).WithRef(cmd.Ref))
	outcome := domain.Outcome{Kind: domain.CommandGroup, Ref: cmd.Ref, Status: domain.OutcomeSuccess}
	var errs []error
	for _, addr := range lo.Uniq(cmd.Targets) {
		r := results[addr]
		outcome.Attempts += r.Outcome.Attempts
		if r.Err != nil {
			errs = append(errs, r.Err)
			if outcome.Status == domain.OutcomeSuccess {
				outcome.Status = r.Outcome.Status
			}
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		outcome.Error = err.Error()
	}
	return outcome, err
}
