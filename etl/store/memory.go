// Package store provides JobStore implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/grantsync/etl-engine/etl"
)

// =============================================================================
// MEMORY JOB STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements etl.JobStore with a mutex-guarded map. Claim holds the
// lock across the whole check-and-set, giving the same atomicity the SQL
// store gets from a conditional UPDATE.
type Memory struct {
	mu   sync.Mutex
	jobs map[jobKey]*etl.JobUnit
}

type jobKey struct {
	Scope etl.Scope
	Stage etl.Stage
}

func NewMemory() *Memory {
	return &Memory{jobs: make(map[jobKey]*etl.JobUnit)}
}

func (m *Memory) Ensure(_ context.Context, scope etl.Scope, stage etl.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := jobKey{Scope: scope, Stage: stage}
	if _, ok := m.jobs[k]; ok {
		return nil
	}
	m.jobs[k] = &etl.JobUnit{
		Scope:     scope,
		Stage:     stage,
		Status:    etl.StatusPending,
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

func (m *Memory) Claim(_ context.Context, scope etl.Scope, stage etl.Stage, maxRetries int) (etl.JobUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	unit, ok := m.jobs[jobKey{Scope: scope, Stage: stage}]
	if !ok {
		// No unit means nothing eligible to claim, same as a held one.
		return etl.JobUnit{}, etl.ErrAlreadyRunning
	}

	eligible := unit.Status == etl.StatusPending ||
		(unit.Status == etl.StatusError && unit.Retries < maxRetries)
	if !eligible {
		return etl.JobUnit{}, etl.ErrAlreadyRunning
	}

	now := time.Now().UTC()
	unit.Status = etl.StatusRunning
	unit.StartedAt = &now
	unit.FinishedAt = nil
	unit.UpdatedAt = now
	return *unit, nil
}

func (m *Memory) Complete(_ context.Context, scope etl.Scope, stage etl.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	unit, ok := m.jobs[jobKey{Scope: scope, Stage: stage}]
	if !ok {
		return etl.ErrJobNotFound
	}
	if unit.Status != etl.StatusRunning {
		return &etl.InvalidTransitionError{Scope: scope, Stage: stage, From: unit.Status, To: etl.StatusDone}
	}

	now := time.Now().UTC()
	unit.Status = etl.StatusDone
	unit.FinishedAt = &now
	unit.UpdatedAt = now
	return nil
}

func (m *Memory) Fail(_ context.Context, scope etl.Scope, stage etl.Stage, reason string) (etl.JobUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	unit, ok := m.jobs[jobKey{Scope: scope, Stage: stage}]
	if !ok {
		return etl.JobUnit{}, etl.ErrJobNotFound
	}
	if unit.Status != etl.StatusRunning {
		return etl.JobUnit{}, &etl.InvalidTransitionError{Scope: scope, Stage: stage, From: unit.Status, To: etl.StatusError}
	}

	now := time.Now().UTC()
	unit.Status = etl.StatusError
	unit.Retries++
	unit.LastError = reason
	unit.FinishedAt = &now
	unit.UpdatedAt = now
	return *unit, nil
}

func (m *Memory) Reset(_ context.Context, scope etl.Scope, stage etl.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	unit, ok := m.jobs[jobKey{Scope: scope, Stage: stage}]
	if !ok {
		return etl.ErrJobNotFound
	}
	if unit.Status != etl.StatusError && unit.Status != etl.StatusDone {
		return &etl.InvalidTransitionError{Scope: scope, Stage: stage, From: unit.Status, To: etl.StatusPending}
	}

	unit.Status = etl.StatusPending
	unit.Retries = 0
	unit.LastError = ""
	unit.StartedAt = nil
	unit.FinishedAt = nil
	unit.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) Get(_ context.Context, scope etl.Scope, stage etl.Stage) (etl.JobUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	unit, ok := m.jobs[jobKey{Scope: scope, Stage: stage}]
	if !ok {
		return etl.JobUnit{}, etl.ErrJobNotFound
	}
	return *unit, nil
}

func (m *Memory) List(_ context.Context, filter etl.JobFilter) ([]etl.JobUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []etl.JobUnit
	for _, unit := range m.jobs {
		if filter.Entity != "" && unit.Scope.Entity != filter.Entity {
			continue
		}
		if filter.Year != 0 && unit.Scope.Year != filter.Year {
			continue
		}
		if filter.Stage != "" && unit.Stage != filter.Stage {
			continue
		}
		if filter.Status != "" && unit.Status != filter.Status {
			continue
		}
		result = append(result, *unit)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result, nil
}
