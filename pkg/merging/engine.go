// Package merging consolidates duplicate resource records into one canonical
// record while keeping every dependent table and stored schedule consistent.
package merging

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	clovercontext "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

var validate = validator.New()

const lockKeyPrefix = "merge:"

// Engine runs merges through the fixed step order
// validating -> reconciling_references -> rewriting_snapshots ->
// deleting_deprecated -> persisting_canonical -> done.
//
// Without a Locker the caller must serialize merges of the same resource type.
// Sub-steps read then write without re-checking rows changed since validation.
type Engine struct {
	logger      ectologger.Logger
	stores      Stores
	resolver    *Resolver
	reconciler  *AssociationReconciler
	deduper     *AssignmentDeduplicator
	aggregator  *Aggregator
	rewriter    *SnapshotRewriter
	locker      Locker
	publisher   EventPublisher
	transactor  Transactor
	emailDomain string
	pageSize    int
	now         func() time.Time
}

type Option func(*Engine)

// WithLocker serializes merges per resource type.
func WithLocker(locker Locker) Option {
	return func(e *Engine) { e.locker = locker }
}

// WithPublisher announces successful merges.
func WithPublisher(publisher EventPublisher) Option {
	return func(e *Engine) { e.publisher = publisher }
}

// WithTransactions runs every write of a merge inside one transaction.
func WithTransactions(transactor Transactor) Option {
	return func(e *Engine) { e.transactor = transactor }
}

func WithEmailDomain(domain string) Option {
	return func(e *Engine) { e.emailDomain = domain }
}

func WithSnapshotPageSize(size int) Option {
	return func(e *Engine) { e.pageSize = size }
}

func NewEngine(logger ectologger.Logger, stores Stores, opts ...Option) *Engine {
	e := &Engine{
		logger: logger,
		stores: stores,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.resolver = NewResolver(stores.Resources, logger)
	e.reconciler = NewAssociationReconciler(stores.Links, logger)
	e.deduper = NewAssignmentDeduplicator(stores.Assignments, logger)
	e.aggregator = NewAggregator(e.emailDomain)
	e.rewriter = NewSnapshotRewriter(stores.Snapshots, logger, e.pageSize)
	return e
}

// Preview validates a merge and reports the canonical split and merged
// values without writing anything.
func (e *Engine) Preview(ctx context.Context, req models.MergeRequest) (models.MergeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Engine.Preview")
	defer span.End()

	result := models.MergeResult{ResourceType: req.ResourceType, DryRun: true}
	if err := validate.Struct(req); err != nil {
		return e.failed(result, models.MergeStepValidating, NewConfigurationError("invalid merge request: %v", err))
	}
	mc, err := e.resolve(ctx, req)
	if err != nil {
		return e.failed(result, models.MergeStepValidating, err)
	}

	merged, err := e.aggregator.AggregateAll(mc)
	if err != nil {
		return e.failed(result, models.MergeStepValidating, NewConfigurationError("cannot aggregate fields: %v", err))
	}

	result.CanonicalID = mc.CanonicalID
	result.DeprecatedIDs = mc.DeprecatedIDs
	result.MergedFields = merged
	result.Success = true
	return result, nil
}

// Merge consolidates the candidate set. The returned error is a
// *ConfigurationError when nothing was written and a *StepError otherwise;
// in both cases the result names the failed step.
func (e *Engine) Merge(ctx context.Context, req models.MergeRequest) (result models.MergeResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Engine.Merge")
	defer span.End()

	if clovercontext.GetMergeID(ctx) == "" {
		ctx = clovercontext.SetMergeID(ctx, uuid.New().String())
	}

	start := e.now()
	result = models.MergeResult{ResourceType: req.ResourceType}
	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"merge_id":      clovercontext.GetMergeID(ctx),
		"resource_type": req.ResourceType,
		"candidate_ids": req.CandidateIDs,
	})

	defer func() {
		tracing.Fail(span, err)
		status := "success"
		if !result.Success {
			status = "failed"
			if result.FailedStep != nil {
				metrics.RecordMergeFailure(string(req.ResourceType), string(*result.FailedStep))
			}
		}
		metrics.RecordMerge(string(req.ResourceType), status, e.now().Sub(start).Seconds())
	}()

	// validating
	if verr := validate.Struct(req); verr != nil {
		return e.failed(result, models.MergeStepValidating, NewConfigurationError("invalid merge request: %v", verr))
	}

	if e.locker != nil {
		unlock, lerr := e.locker.Lock(ctx, lockKeyPrefix+string(req.ResourceType))
		if lerr != nil {
			return e.failed(result, models.MergeStepValidating, NewConfigurationError("another %s merge is in progress: %v", req.ResourceType, lerr))
		}
		defer func() {
			if uerr := unlock(ctx); uerr != nil {
				log.WithError(uerr).Warn("failed to release merge lock")
				result.Warnings = append(result.Warnings, fmt.Sprintf("failed to release merge lock: %v", uerr))
			}
		}()
	}

	mc, err := e.resolve(ctx, req)
	if err != nil {
		return e.failed(result, models.MergeStepValidating, err)
	}
	result.CanonicalID = mc.CanonicalID
	result.DeprecatedIDs = mc.DeprecatedIDs
	tracing.Annotate(span, string(mc.Kind.Type), mc.CanonicalID)

	merged, err := e.aggregator.AggregateAll(mc)
	if err != nil {
		return e.failed(result, models.MergeStepValidating, NewConfigurationError("cannot aggregate fields: %v", err))
	}
	result.MergedFields = merged

	log = log.WithFields(map[string]any{
		"canonical_id":   mc.CanonicalID,
		"deprecated_ids": mc.DeprecatedIDs,
	})
	log.Info("merge validated")

	defer e.audit(ctx, &result)

	var tx database.Tx
	if e.transactor != nil {
		ctx, tx, err = e.transactor.GetTx(ctx, nil)
		if err != nil {
			return e.failed(result, models.MergeStepReconcilingReferences, NewStepError(models.MergeStepReconcilingReferences, "begin transaction", err))
		}
		defer func() {
			if !result.Success {
				if rerr := tx.Rollback(ctx); rerr != nil {
					log.WithError(rerr).Error("failed to roll back merge transaction")
				}
			}
		}()
	}

	if err := e.reconcileReferences(ctx, mc, &result.Stats); err != nil {
		log.WithError(err).Error("merge failed while reconciling references")
		return e.failed(result, models.MergeStepReconcilingReferences, err)
	}

	scanned, rewritten, err := e.rewriter.RewriteAll(ctx, mc)
	result.Stats.SnapshotsScanned = scanned
	result.Stats.SnapshotsRewritten = rewritten
	metrics.RecordSnapshotsRewritten(string(mc.Kind.Type), rewritten)
	if err != nil {
		log.WithError(err).Error("merge failed while rewriting snapshots")
		return e.failed(result, models.MergeStepRewritingSnapshots, NewStepError(models.MergeStepRewritingSnapshots, "schedules", err))
	}

	warnings, err := e.deleteDeprecated(ctx, mc, tx, &result.Stats)
	result.Warnings = append(result.Warnings, warnings...)
	if err != nil {
		log.WithError(err).Error("merge failed while deleting deprecated rows")
		return e.failed(result, models.MergeStepDeletingDeprecated, err)
	}

	if len(merged) > 0 {
		if err := e.stores.Resources.UpdateFields(ctx, mc.Kind, mc.CanonicalID, merged); err != nil {
			log.WithError(err).Error("merge failed while persisting canonical record")
			return e.failed(result, models.MergeStepPersistingCanonical, NewStepError(models.MergeStepPersistingCanonical, mc.Kind.Table, err))
		}
	}

	if tx != nil {
		if err := tx.Commit(ctx); err != nil {
			return e.failed(result, models.MergeStepPersistingCanonical, NewStepError(models.MergeStepPersistingCanonical, "commit transaction", err))
		}
	}

	result.Success = true
	log.WithFields(map[string]any{
		"stats":    result.Stats,
		"warnings": len(result.Warnings),
	}).Info("merge completed")

	if e.publisher != nil {
		if perr := e.publisher.PublishMerged(ctx, result); perr != nil {
			log.WithError(perr).Warn("failed to publish merge event")
			result.Warnings = append(result.Warnings, fmt.Sprintf("failed to publish merge event: %v", perr))
		}
	}

	return result, nil
}

// resolve builds the merge context for a request that already passed struct validation.
func (e *Engine) resolve(ctx context.Context, req models.MergeRequest) (*MergeContext, error) {
	kind, ok := models.LookupKind(req.ResourceType)
	if !ok {
		return nil, NewConfigurationError("unknown resource type %q", req.ResourceType)
	}

	mc, err := e.resolver.Resolve(ctx, kind, req.CandidateIDs, req.Discriminant)
	if err != nil {
		if IsConfigurationError(err) {
			return nil, err
		}
		return nil, NewStepError(models.MergeStepValidating, kind.Table, err)
	}
	return mc, nil
}

// reconcileReferences repoints every table that refers to the resource. All of
// it happens before any resource row is deleted.
func (e *Engine) reconcileReferences(ctx context.Context, mc *MergeContext, stats *models.MergeStats) error {
	ctx, span := tracing.StartSpan(ctx, "merging.Engine.reconcileReferences")
	defer span.End()

	resourceType := string(mc.Kind.Type)
	step := models.MergeStepReconcilingReferences

	for _, fk := range mc.Kind.References {
		n, err := e.stores.References.Repoint(ctx, fk, mc.CanonicalID, mc.DeprecatedIDs)
		if err != nil {
			return NewStepError(step, fk.String(), err)
		}
		stats.ReferencesRepointed += n
		metrics.RecordRows(resourceType, "reference", "repointed", int(n))
	}

	for _, table := range mc.Kind.Links {
		plan, err := e.reconciler.Reconcile(ctx, mc, table)
		if err != nil {
			return NewStepError(step, table.String(), err)
		}
		stats.LinksDeleted += len(plan.Deletes)
		stats.LinksRepointed += len(plan.Repoints)
		metrics.RecordRows(resourceType, "link", "deleted", len(plan.Deletes))
		metrics.RecordRows(resourceType, "link", "repointed", len(plan.Repoints))
	}

	for _, table := range mc.Kind.Assignments {
		plan, err := e.deduper.Deduplicate(ctx, mc, table)
		if err != nil {
			return NewStepError(step, table.String(), err)
		}
		stats.AssignmentsDeleted += len(plan.Deletes)
		stats.AssignmentsRepointed += len(plan.Repoints)
		metrics.RecordRows(resourceType, "assignment", "deleted", len(plan.Deletes))
		metrics.RecordRows(resourceType, "assignment", "repointed", len(plan.Repoints))
	}

	return nil
}

// deleteDeprecated removes deprecated rows. A row that cannot be deleted is
// reported as a warning since nothing references it any more. Inside a
// transaction each delete runs under its own savepoint.
// A savepoint that cannot be rolled back or released leaves the transaction
// unusable, so that is returned as a step error.
func (e *Engine) deleteDeprecated(ctx context.Context, mc *MergeContext, tx database.Tx, stats *models.MergeStats) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Engine.deleteDeprecated")
	defer span.End()

	var warnings []string
	for i, id := range mc.DeprecatedIDs {
		savepoint := fmt.Sprintf("deprecated_%d", i)
		if tx != nil {
			if err := tx.Savepoint(ctx, savepoint); err != nil {
				warnings = append(warnings, fmt.Sprintf("failed to delete deprecated %s %d: %v", mc.Kind.Type, id, err))
				metrics.RecordOrphanDeleteFailure(string(mc.Kind.Type))
				continue
			}
		}

		err := e.stores.Resources.Delete(ctx, mc.Kind, id)
		if err != nil {
			e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"resource_type": mc.Kind.Type,
				"deprecated_id": id,
			}).Warn("failed to delete deprecated row, leaving orphan")
			warnings = append(warnings, fmt.Sprintf("failed to delete deprecated %s %d: %v", mc.Kind.Type, id, err))
			metrics.RecordOrphanDeleteFailure(string(mc.Kind.Type))
			if tx != nil {
				if rerr := tx.RollbackTo(ctx, savepoint); rerr != nil {
					stepErr := e.savepointFailed(ctx, mc, id, "rollback to "+savepoint, rerr)
					return append(warnings, stepErr.Error()), stepErr
				}
			}
			continue
		}

		if tx != nil {
			if rerr := tx.Release(ctx, savepoint); rerr != nil {
				stepErr := e.savepointFailed(ctx, mc, id, "release "+savepoint, rerr)
				return append(warnings, stepErr.Error()), stepErr
			}
		}
		stats.DeprecatedDeleted++
	}
	return warnings, nil
}

func (e *Engine) savepointFailed(ctx context.Context, mc *MergeContext, id int64, operation string, err error) *StepError {
	e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
		"resource_type": mc.Kind.Type,
		"deprecated_id": id,
		"operation":     operation,
	}).Error("savepoint failed, transaction is no longer usable")
	return NewStepError(models.MergeStepDeletingDeprecated, operation, err)
}

func (e *Engine) failed(result models.MergeResult, step models.MergeStep, err error) (models.MergeResult, error) {
	result.Success = false
	result.FailedStep = &step
	result.Message = err.Error()
	return result, err
}

func (e *Engine) audit(ctx context.Context, result *models.MergeResult) {
	if e.stores.Audit == nil {
		return
	}

	entry := &models.MergeAuditLog{
		ID:            clovercontext.GetMergeID(ctx),
		ResourceType:  string(result.ResourceType),
		CanonicalID:   result.CanonicalID,
		DeprecatedIDs: result.DeprecatedIDs,
		Success:       result.Success,
		Warnings:      result.Warnings,
		Stats:         result.Stats,
		PerformedAt:   e.now().UTC(),
	}
	if result.FailedStep != nil {
		step := string(*result.FailedStep)
		entry.FailedStep = &step
	}
	if result.Message != "" {
		entry.Message = &result.Message
	}
	if operator := clovercontext.GetOperator(ctx); operator != "" {
		entry.PerformedBy = &operator
	}
	if requestID := clovercontext.GetRequestID(ctx); requestID != "" {
		entry.RequestID = &requestID
	}

	if err := e.stores.Audit.Record(ctx, entry); err != nil {
		e.logger.WithContext(ctx).WithError(err).Warn("failed to record merge audit log")
		result.Warnings = append(result.Warnings, fmt.Sprintf("failed to record merge audit log: %v", err))
	}
}
