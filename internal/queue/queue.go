// Package queue implements the persistent FIFO of node jobs shared by the
// engine and the worker pool. The queue is a single queue.json file guarded
// by a sibling lock file; every mutation runs under the lock.
package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/cah/internal/lockfile"
	"github.com/nextlevelbuilder/cah/internal/model"
	"github.com/nextlevelbuilder/cah/internal/store"
)

// ErrJobNotFound means the job id is not present in the queue file.
var ErrJobNotFound = errors.New("job not found")

// Queue is a file-backed job queue with lock-serialized mutations.
type Queue struct {
	path string
	lock *lockfile.Lock
}

// New creates a Queue over the given queue.json path.
func New(path string) *Queue {
	return &Queue{path: path, lock: lockfile.New(path + ".lock")}
}

// Lock exposes the underlying lock (used by tests and the runner).
func (q *Queue) Lock() *lockfile.Lock { return q.lock }

func (q *Queue) load() (*model.QueueFile, error) {
	var qf model.QueueFile
	err := store.ReadJSON(q.path, &qf)
	if errors.Is(err, store.ErrNotFound) {
		return &model.QueueFile{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &qf, nil
}

func (q *Queue) save(qf *model.QueueFile) error {
	qf.UpdatedAt = time.Now()
	return store.WriteJSON(q.path, qf)
}

// NewJob builds a waiting job for one (instance, node) execution.
func NewJob(workflowID, instanceID, nodeID string, attempt int) model.Job {
	return model.Job{
		ID: uuid.NewString(),
		Data: model.JobData{
			WorkflowID: workflowID,
			InstanceID: instanceID,
			NodeID:     nodeID,
			Attempt:    attempt,
		},
		Status:    model.JobWaiting,
		CreatedAt: time.Now(),
	}
}

// Enqueue appends jobs, skipping any (instance, node) that already has a
// non-terminal job — the queue invariant allows at most one.
func (q *Queue) Enqueue(jobs ...model.Job) error {
	return q.lock.WithLock(func() error {
		qf, err := q.load()
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if hasActive(qf, job.Data.InstanceID, job.Data.NodeID) {
				continue
			}
			qf.Jobs = append(qf.Jobs, job)
		}
		return q.save(qf)
	})
}

func hasActive(qf *model.QueueFile, instanceID, nodeID string) bool {
	for _, j := range qf.Jobs {
		if j.Data.InstanceID == instanceID && j.Data.NodeID == nodeID && !j.Status.IsTerminal() {
			return true
		}
	}
	return false
}

// ClaimNextWaiting atomically flips the oldest eligible waiting job to
// running and returns it. Jobs with an unexpired NotBefore are skipped.
// Returns nil when nothing is claimable.
func (q *Queue) ClaimNextWaiting() (*model.Job, error) {
	var claimed *model.Job
	err := q.lock.WithLock(func() error {
		qf, err := q.load()
		if err != nil {
			return err
		}
		now := time.Now()
		for i := range qf.Jobs {
			j := &qf.Jobs[i]
			if j.Status != model.JobWaiting {
				continue
			}
			if j.NotBefore != nil && now.Before(*j.NotBefore) {
				continue
			}
			j.Status = model.JobRunning
			cp := *j
			claimed = &cp
			return q.save(qf)
		}
		return nil
	})
	return claimed, err
}

// Complete marks a running job completed.
func (q *Queue) Complete(jobID string) error {
	return q.transition(jobID, model.JobCompleted, "")
}

// Fail marks a running job failed with the given error text.
func (q *Queue) Fail(jobID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return q.transition(jobID, model.JobFailed, msg)
}

// MarkWaitingHuman parks a running job until an approval event arrives.
func (q *Queue) MarkWaitingHuman(jobID string) error {
	return q.transition(jobID, model.JobHumanWaiting, "")
}

func (q *Queue) transition(jobID string, to model.JobStatus, errText string) error {
	return q.lock.WithLock(func() error {
		qf, err := q.load()
		if err != nil {
			return err
		}
		for i := range qf.Jobs {
			j := &qf.Jobs[i]
			if j.ID != jobID {
				continue
			}
			if j.Status.IsTerminal() {
				return fmt.Errorf("job %s already %s", jobID, j.Status)
			}
			j.Status = to
			j.Error = errText
			if to.IsTerminal() {
				now := time.Now()
				j.CompletedAt = &now
			}
			return q.save(qf)
		}
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	})
}

// Release puts a claimed running job back to waiting without recording an
// attempt. Used when the executor declines the job (pause boundary).
func (q *Queue) Release(jobID string) error {
	return q.lock.WithLock(func() error {
		qf, err := q.load()
		if err != nil {
			return err
		}
		for i := range qf.Jobs {
			j := &qf.Jobs[i]
			if j.ID != jobID {
				continue
			}
			if j.Status != model.JobRunning {
				return fmt.Errorf("job %s is %s, not running", jobID, j.Status)
			}
			j.Status = model.JobWaiting
			return q.save(qf)
		}
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	})
}

// ResetRunningForInstance flips running jobs of an instance back to waiting.
// Called on subprocess restart: a running entry from a dead process would
// otherwise stay claimed forever.
func (q *Queue) ResetRunningForInstance(instanceID string) (int, error) {
	reset := 0
	err := q.lock.WithLock(func() error {
		qf, err := q.load()
		if err != nil {
			return err
		}
		for i := range qf.Jobs {
			j := &qf.Jobs[i]
			if j.Data.InstanceID == instanceID && j.Status == model.JobRunning {
				j.Status = model.JobWaiting
				reset++
			}
		}
		if reset == 0 {
			return nil
		}
		return q.save(qf)
	})
	return reset, err
}

// ResumeWaitingJobsForInstance flips human_waiting jobs of an instance back
// to waiting so the worker pool picks them up again.
func (q *Queue) ResumeWaitingJobsForInstance(instanceID string) (int, error) {
	resumed := 0
	err := q.lock.WithLock(func() error {
		qf, err := q.load()
		if err != nil {
			return err
		}
		for i := range qf.Jobs {
			j := &qf.Jobs[i]
			if j.Data.InstanceID == instanceID && j.Status == model.JobHumanWaiting {
				j.Status = model.JobWaiting
				resumed++
			}
		}
		if resumed == 0 {
			return nil
		}
		return q.save(qf)
	})
	return resumed, err
}

// CancelJobsForInstance cancels every non-terminal job of an instance.
func (q *Queue) CancelJobsForInstance(instanceID string) (int, error) {
	cancelled := 0
	err := q.lock.WithLock(func() error {
		qf, err := q.load()
		if err != nil {
			return err
		}
		now := time.Now()
		for i := range qf.Jobs {
			j := &qf.Jobs[i]
			if j.Data.InstanceID == instanceID && !j.Status.IsTerminal() {
				j.Status = model.JobCancelled
				j.CompletedAt = &now
				cancelled++
			}
		}
		if cancelled == 0 {
			return nil
		}
		return q.save(qf)
	})
	return cancelled, err
}

// Requeue puts a failed attempt back as waiting with an optional backoff.
func (q *Queue) Requeue(workflowID, instanceID, nodeID string, attempt int, backoff time.Duration) error {
	job := NewJob(workflowID, instanceID, nodeID, attempt)
	if backoff > 0 {
		nb := time.Now().Add(backoff)
		job.NotBefore = &nb
	}
	return q.Enqueue(job)
}

// Jobs returns a snapshot of all jobs (read under the lock).
func (q *Queue) Jobs() ([]model.Job, error) {
	var jobs []model.Job
	err := q.lock.WithLock(func() error {
		qf, err := q.load()
		if err != nil {
			return err
		}
		jobs = append(jobs, qf.Jobs...)
		return nil
	})
	return jobs, err
}

// Prune removes terminal jobs older than keep, bounding file growth.
func (q *Queue) Prune(keep time.Duration) error {
	return q.lock.WithLock(func() error {
		qf, err := q.load()
		if err != nil {
			return err
		}
		cutoff := time.Now().Add(-keep)
		kept := qf.Jobs[:0]
		for _, j := range qf.Jobs {
			if j.Status.IsTerminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
				continue
			}
			kept = append(kept, j)
		}
		qf.Jobs = kept
		return q.save(qf)
	})
}
