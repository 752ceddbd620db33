// Package lifecycle implements the Job Lifecycle (C4): job submission
// validation, creation, event append (with the GitHub check-run tail
// truncation rule), and completion/cancellation.
package lifecycle

import (
	"context"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"buildomat/internal/berrors"
	"buildomat/internal/central"
	"buildomat/internal/metrics"
	"buildomat/internal/staging"
	"buildomat/internal/store"
	"buildomat/pkg/buildomat"
)

const (
	maxTasks       = 100
	maxInputs      = 25
	maxTags        = 100
	maxTagBytes    = 128 * 1024
	maxLineLen     = 100
	truncateSuffix = " [...]"
)

var tagNameRe = regexp.MustCompile(`^[0-9a-z._-]+$`)

// Service wraps the durable store with submission validation and the
// derived lifecycle operations.
type Service struct {
	Store   *store.Store
	State   *central.State
	Staging *staging.Staging
}

func New(s *store.Store, state *central.State, stg *staging.Staging) *Service {
	return &Service{Store: s, State: state, Staging: stg}
}

// Submit validates sub against the submission rules in spec.md §4.4,
// resolves the target, checks privilege, and creates the job.
func (svc *Service) Submit(ctx context.Context, owner *buildomat.User, sub buildomat.JobSubmission) (*buildomat.Job, error) {
	if err := validateSubmission(sub); err != nil {
		return nil, err
	}

	target, err := svc.Store.TargetResolve(ctx, sub.Target)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, berrors.Validationf("target %q does not resolve", sub.Target)
	}
	if target.RequiredPrivilege != "" && !owner.Has(target.RequiredPrivilege) {
		return nil, berrors.Forbiddenf("target %q requires privilege %q", sub.Target, target.RequiredPrivilege)
	}

	tasks := make([]buildomat.Task, 0, len(sub.Tasks))
	for i, t := range sub.Tasks {
		tasks = append(tasks, buildomat.Task{
			Seq: i, Name: t.Name, Script: t.Script, Env: t.Env, EnvClear: t.EnvClear,
			UID: t.UID, GID: t.GID, Workdir: t.Workdir,
		})
	}

	rules := make([]buildomat.OutputRule, 0, len(sub.OutputRules))
	for i, raw := range sub.OutputRules {
		rule, err := ParseOutputRule(raw)
		if err != nil {
			return nil, err
		}
		rule.Seq = i
		rules = append(rules, rule)
	}

	deps := make([]buildomat.Dependency, 0, len(sub.Depends))
	for name, d := range sub.Depends {
		deps = append(deps, buildomat.Dependency{
			Name: name, PriorJob: d.PriorJob, CopyOutputs: d.CopyOutputs,
			OnCompleted: d.OnCompleted, OnFailed: d.OnFailed,
		})
	}

	job, err := svc.Store.JobCreate(ctx, store.JobCreateInput{
		Owner:           owner.ID,
		Name:            sub.Name,
		TargetRequested: sub.Target,
		TargetResolved:  target.Name,
		Tasks:           tasks,
		OutputRules:     rules,
		Dependencies:    deps,
		Inputs:          sub.Inputs,
		Tags:            sub.Tags,
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func validateSubmission(sub buildomat.JobSubmission) error {
	if len(sub.Tasks) > maxTasks {
		return berrors.Validationf("job may have at most %d tasks", maxTasks)
	}
	if len(sub.Inputs) > maxInputs {
		return berrors.Validationf("job may declare at most %d inputs", maxInputs)
	}
	if len(sub.Tags) > maxTags {
		return berrors.Validationf("job may have at most %d tags", maxTags)
	}

	tagBytes := 0
	for name, value := range sub.Tags {
		if name == "" || !tagNameRe.MatchString(name) {
			return berrors.Validationf("tag name %q is invalid", name)
		}
		tagBytes += len(name) + len(value)
	}
	if tagBytes >= maxTagBytes {
		return berrors.Validationf("total tag name+value bytes must be under %d", maxTagBytes)
	}

	for _, rule := range sub.OutputRules {
		if _, err := ParseOutputRule(rule); err != nil {
			return err
		}
	}

	return nil
}

// forbiddenSigils is the set of sigil characters that may prefix an output
// rule; ParseOutputRule enforces the grammar over them: each of !=% at most
// once, and ! exclusive of =/%.
var forbiddenSigils = map[byte]bool{'!': true, '=': true, '%': true}

// ParseOutputRule parses the sigil-prefixed rule grammar from spec.md
// §4.4: an optional combination of !=% (each at most once, ! exclusive of
// =/%), followed by an absolute path.
func ParseOutputRule(raw string) (buildomat.OutputRule, error) {
	var r buildomat.OutputRule
	if raw == "" {
		return r, berrors.Validationf("output rule must not be empty")
	}

	i := 0
	seen := map[byte]bool{}
	for i < len(raw) && forbiddenSigils[raw[i]] {
		c := raw[i]
		if seen[c] {
			return r, berrors.Validationf("output rule %q repeats sigil %q", raw, string(c))
		}
		if c == '!' && (seen['='] || seen['%']) {
			return r, berrors.Validationf("output rule %q combines ! with =/%%", raw)
		}
		if (c == '=' || c == '%') && seen['!'] {
			return r, berrors.Validationf("output rule %q combines ! with =/%%", raw)
		}
		seen[c] = true
		i++
	}

	path := raw[i:]
	if !strings.HasPrefix(path, "/") {
		return r, berrors.Validationf("output rule %q must have an absolute path", raw)
	}

	r.Rule = path
	r.Ignore = seen['!']
	r.RequireMatch = seen['=']
	r.SizeChangeOK = seen['%']
	return r, nil
}

var publishIDRe = regexp.MustCompile(`^[A-Za-z0-9._-]{2,48}$`)

// ValidatePublishIdentifier enforces the series/version/name grammar from
// spec.md §3 and the boundary behaviors in §8.
func ValidatePublishIdentifier(s string) error {
	if utf8.RuneCountInString(s) < 2 || utf8.RuneCountInString(s) > 48 {
		return berrors.Validationf("identifier %q must be 2-48 characters", s)
	}
	if !publishIDRe.MatchString(s) {
		return berrors.Validationf("identifier %q has invalid characters", s)
	}
	return nil
}

// TruncateForCheckRunTail applies the one external truncation rule: lines
// over 100 characters are truncated and suffixed " [...]". The rule
// belongs to the GitHub check-run tail view only, so it is a pure helper
// and is not applied to stored event payloads; no handler in this
// repository calls it.
func TruncateForCheckRunTail(line string) string {
	if utf8.RuneCountInString(line) <= maxLineLen {
		return line
	}
	runes := []rune(line)
	return string(runes[:maxLineLen]) + truncateSuffix
}

// AppendEvent records a job event under the next gap-free sequence
// number.
func (svc *Service) AppendEvent(ctx context.Context, job string, task *int, stream buildomat.EventStream, payload string, remote *time.Time) (int, error) {
	seq, err := svc.Store.JobEventAppend(ctx, job, task, stream, payload, time.Now().UTC(), remote)
	if err == nil {
		metrics.IncEventAppended()
	}
	return seq, err
}

// Complete finalizes a job. Declines with a Conflict error if job still has
// uploads in flight (spec.md §4.2's completion gate), checked before the
// store transition rather than after. Idempotent: returns false without
// error if the job was already complete. On a fresh completion, hands the
// job to the archiver's work queue so the archive-jobs loop notices it
// promptly rather than waiting for its next full scan, and drops staging's
// in-memory bookkeeping for it.
func (svc *Service) Complete(ctx context.Context, job string, failed bool, message string) (bool, error) {
	if svc.Staging != nil {
		if err := svc.Staging.MarkJobCompleted(job); err != nil {
			return false, err
		}
	}

	did, err := svc.Store.JobComplete(ctx, job, failed, message)
	if err != nil {
		return false, err
	}
	if did {
		if svc.State != nil {
			svc.State.EnqueueArchive(job)
		}
		if svc.Staging != nil {
			svc.Staging.ForgetJob(job)
		}
	}
	return did, nil
}

// Cancel marks a job cancelled; completion happens immediately if no
// worker is currently assigned.
func (svc *Service) Cancel(ctx context.Context, job string) error {
	return svc.Store.JobCancel(ctx, job)
}
