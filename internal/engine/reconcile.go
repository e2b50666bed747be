// Package engine drives the one-way reconciliation of image catalogs from
// a master store to its slaves.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/osmirror/glancesync/internal/cache"
	"github.com/osmirror/glancesync/internal/catalog"
	"github.com/osmirror/glancesync/internal/glance"
	"github.com/osmirror/glancesync/internal/store"
)

// BackupSuffix is appended to a stale slave image's name to free the
// original name while its replacement uploads. Backup names are transient;
// one surviving a run means a replace sequence died partway.
const BackupSuffix = "_sync_bak"

// BackupName derives the transient name used during a replace sequence.
func BackupName(name string) string {
	return name + BackupSuffix
}

// Options controls one reconciliation run.
type Options struct {
	// Workers is the number of slaves reconciled in parallel. Values <= 1
	// keep the reference sequential behavior. Work within one slave is
	// always sequential, so two replace sequences on the same slave can
	// never race on a backup name.
	Workers int
}

// ReplaceError marks a failed replace sequence, naming the step that
// failed. It always aborts the remainder of the affected slave's work.
type ReplaceError struct {
	Slave string
	Image string
	Step  string
	Err   error
}

func (e *ReplaceError) Error() string {
	return fmt.Sprintf("replacing image %s on slave %s: step %s: %v", e.Image, e.Slave, e.Step, e.Err)
}

func (e *ReplaceError) Unwrap() error {
	return e.Err
}

// SlaveReport summarizes one slave's reconciliation.
type SlaveReport struct {
	Slave            string
	StartTime        time.Time
	EndTime          time.Time
	Created          int
	Replaced         int
	Skipped          int
	Failed           int
	BytesTransferred int64
	Err              error // non-nil when the slave's reconciliation aborted
}

// Report aggregates a whole run.
type Report struct {
	Master string
	Slaves []SlaveReport
}

// Failed reports whether any slave's reconciliation aborted.
func (r *Report) Failed() bool {
	for _, s := range r.Slaves {
		if s.Err != nil {
			return true
		}
	}
	return false
}

// Reconciler computes and applies per-image create/replace actions against
// slaves, pulling content through the local download cache and journaling
// replace sequences in the store.
type Reconciler struct {
	cache  *cache.Cache
	store  *store.Store
	logger *slog.Logger
}

// New creates a Reconciler.
func New(c *cache.Cache, st *store.Store, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{cache: c, store: st, logger: logger}
}

// Reconcile brings each slave's catalog in line with the master's for the
// selected images. A master listing failure aborts the whole run; a
// failure on one slave aborts only that slave and the run continues with
// the next. Slaves are processed in the given order, optionally in
// parallel (see Options.Workers).
func (r *Reconciler) Reconcile(ctx context.Context, master glance.Store, slaves []glance.Store, sel catalog.Selection, opts Options) (*Report, error) {
	masterCat, err := catalog.Select(ctx, master, sel, r.logger)
	if err != nil {
		return nil, fmt.Errorf("listing master catalog: %w", err)
	}

	names := make([]string, 0, len(masterCat))
	for name := range masterCat {
		names = append(names, name)
	}
	sort.Strings(names)

	r.logger.Info("master catalog selected", "master", master.Name(), "images", len(names), "slaves", len(slaves))

	report := &Report{
		Master: master.Name(),
		Slaves: make([]SlaveReport, len(slaves)),
	}

	if opts.Workers > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(opts.Workers)
		for i, slave := range slaves {
			i, slave := i, slave
			g.Go(func() error {
				report.Slaves[i] = r.reconcileSlave(gctx, master, slave, masterCat, names)
				// Slave failures are contained in the report, never
				// propagated, so one bad slave cannot cancel the others.
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, slave := range slaves {
			report.Slaves[i] = r.reconcileSlave(ctx, master, slave, masterCat, names)

			select {
			case <-ctx.Done():
				r.logger.Info("reconciliation cancelled", "master", master.Name())
				return report, ctx.Err()
			default:
			}
		}
	}

	return report, nil
}

// reconcileSlave runs the per-image loop for one slave. Any error aborts
// the remainder of this slave's images; the error lands in the report.
func (r *Reconciler) reconcileSlave(ctx context.Context, master, slave glance.Store, masterCat catalog.Catalog, names []string) SlaveReport {
	rep := SlaveReport{Slave: slave.Name(), StartTime: time.Now()}

	run := &store.SyncRun{
		Master:    master.Name(),
		Slave:     slave.Name(),
		StartTime: rep.StartTime,
		Status:    "running",
	}
	if err := r.store.CreateSyncRun(run); err != nil {
		r.logger.Error("failed to create sync run record", "slave", slave.Name(), "error", err)
	}

	finish := func(err error) SlaveReport {
		rep.EndTime = time.Now()
		rep.Err = err

		run.EndTime = rep.EndTime
		run.ImagesCreated = rep.Created
		run.ImagesReplaced = rep.Replaced
		run.ImagesSkipped = rep.Skipped
		run.ImagesFailed = rep.Failed
		run.BytesTransferred = rep.BytesTransferred
		switch {
		case err != nil:
			run.Status = "failed"
			run.ErrorMessage = err.Error()
		case rep.Failed > 0:
			run.Status = "partial"
		default:
			run.Status = "success"
		}
		if run.ID != 0 {
			if uerr := r.store.UpdateSyncRun(run); uerr != nil {
				r.logger.Error("failed to update sync run record", "slave", slave.Name(), "error", uerr)
			}
		}

		r.logger.Info("slave reconciliation finished",
			"slave", slave.Name(),
			"status", run.Status,
			"created", rep.Created,
			"replaced", rep.Replaced,
			"skipped", rep.Skipped,
			"failed", rep.Failed,
			"bytes_transferred", rep.BytesTransferred,
			"duration", rep.EndTime.Sub(rep.StartTime),
		)
		return rep
	}

	// Orphaned backups from earlier failed runs are dealt with before
	// diffing, so a recovered image is compared in its final state.
	r.cleanupOrphanBackups(ctx, slave, masterCat)

	slaveCat, err := r.selectSlave(ctx, slave)
	if err != nil {
		r.logger.Error("slave unavailable, skipping", "slave", slave.Name(), "error", err)
		return finish(err)
	}

	for _, name := range names {
		select {
		case <-ctx.Done():
			return finish(ctx.Err())
		default:
		}

		masterImg := masterCat[name]
		slaveImg, exists := slaveCat[name]

		if !exists {
			bytes, err := r.createImage(ctx, master, slave, masterImg, run.ID)
			if err != nil {
				rep.Failed++
				r.logger.Error("image create failed, aborting slave",
					"slave", slave.Name(), "image", name, "error", err)
				return finish(err)
			}
			rep.Created++
			rep.BytesTransferred += bytes
			continue
		}

		if inSync(masterImg, slaveImg) {
			r.logger.Debug("image in sync", "slave", slave.Name(), "image", name)
			rep.Skipped++
			continue
		}

		bytes, err := r.replaceImage(ctx, master, slave, masterImg, slaveImg, run.ID)
		if err != nil {
			rep.Failed++
			r.logger.Error("image replace failed, aborting slave",
				"slave", slave.Name(), "image", name, "error", err)
			return finish(err)
		}
		rep.Replaced++
		rep.BytesTransferred += bytes
	}

	return finish(nil)
}

// selectSlave lists a slave's full catalog. The slave side is always
// listed unfiltered: the diff only consults master-selected names, and the
// full view is what the rollback and orphan logic need.
func (r *Reconciler) selectSlave(ctx context.Context, slave glance.Store) (catalog.Catalog, error) {
	return catalog.Select(ctx, slave, catalog.Selection{}, r.logger)
}

// inSync compares a master and slave image. Checksum is the comparison
// key when both sides report one; otherwise size. Two images of equal size
// that both lack checksums compare equal, a known approximation.
func inSync(master, slave glance.Image) bool {
	if master.Checksum != "" && slave.Checksum != "" {
		return master.Checksum == slave.Checksum
	}
	return master.Size == slave.Size
}

// createImage handles the create path: the slave has no image under this
// name, so nothing can collide and no backup is needed.
func (r *Reconciler) createImage(ctx context.Context, master, slave glance.Store, img glance.Image, runID int64) (int64, error) {
	path, err := r.cache.EnsureLocal(ctx, master, img)
	if err != nil {
		return 0, err
	}

	r.logger.Info("creating image", "slave", slave.Name(), "image", img.Name, "size", img.Size)

	created, err := slave.CreateImage(ctx, glance.CreateRequestFrom(&img))
	if err != nil {
		return 0, err
	}

	if err := r.upload(ctx, slave, created.ID, path); err != nil {
		return 0, err
	}
	return img.Size, nil
}

// replaceImage runs the replace sequence for a stale slave copy:
// rename old to backup, create new under the original name, upload, delete
// backup. Content is fetched before the first mutation so a transfer
// failure aborts cleanly with the slave untouched. From the rename onward
// every completed step is journaled, and any failure triggers the
// best-effort rollback before the error propagates.
func (r *Reconciler) replaceImage(ctx context.Context, master, slave glance.Store, masterImg, slaveImg glance.Image, runID int64) (int64, error) {
	path, err := r.cache.EnsureLocal(ctx, master, masterImg)
	if err != nil {
		return 0, err
	}

	backupName := BackupName(masterImg.Name)
	journal := &store.ReplaceRecord{
		RunID:      runID,
		Slave:      slave.Name(),
		ImageName:  masterImg.Name,
		BackupName: backupName,
	}

	record := func(step string) {
		journal.Step = step
		if err := r.store.RecordReplaceStep(journal); err != nil {
			r.logger.Error("failed to journal replace step",
				"slave", slave.Name(), "image", masterImg.Name, "step", step, "error", err)
		}
	}

	fail := func(step string, err error) (int64, error) {
		rerr := &ReplaceError{Slave: slave.Name(), Image: masterImg.Name, Step: step, Err: err}
		r.rollback(ctx, slave, masterImg.Name)
		return 0, rerr
	}

	r.logger.Info("replacing stale image",
		"slave", slave.Name(), "image", masterImg.Name, "backup_name", backupName)

	if err := slave.RenameImage(ctx, slaveImg.ID, backupName); err != nil {
		return fail("rename", err)
	}
	record(store.StepRenamed)

	created, err := slave.CreateImage(ctx, glance.CreateRequestFrom(&masterImg))
	if err != nil {
		return fail("create", err)
	}
	record(store.StepCreated)

	if err := r.upload(ctx, slave, created.ID, path); err != nil {
		return fail("upload", err)
	}
	record(store.StepUploaded)

	// The old image keeps its ID through the rename; deleting it is the
	// point of no return that retires the backup.
	if err := slave.DeleteImage(ctx, slaveImg.ID); err != nil {
		return fail("delete-backup", err)
	}
	record(store.StepDone)

	return masterImg.Size, nil
}

// rollback is the best-effort cleanup after a failed replace sequence: if
// anything still holds the original name it is a half-made replacement (or
// the not-yet-renamed stale copy) and gets deleted so the next run starts
// from a clean absent-or-backup state. A backup-named copy left behind by
// a post-rename failure is deliberately NOT touched here; the journaled
// orphan cleanup on the next run handles it.
func (r *Reconciler) rollback(ctx context.Context, slave glance.Store, name string) {
	cat, err := r.selectSlave(ctx, slave)
	if err != nil {
		r.logger.Error("rollback: cannot list slave", "slave", slave.Name(), "image", name, "error", err)
		return
	}

	img, found := cat[name]
	if !found {
		return
	}

	r.logger.Warn("rollback: deleting image left under original name",
		"slave", slave.Name(), "image", name, "id", img.ID)
	if err := slave.DeleteImage(ctx, img.ID); err != nil {
		r.logger.Error("rollback: delete failed", "slave", slave.Name(), "image", name, "error", err)
	}
}

// cleanupOrphanBackups retires backup-named images left by earlier failed
// runs. Only journaled sequences are considered, which keeps the cleanup
// deterministic: a backup is deleted when its sequence completed, or when
// the original name is present again and already matches the master;
// anything else is left alone and reported for the operator.
func (r *Reconciler) cleanupOrphanBackups(ctx context.Context, slave glance.Store, masterCat catalog.Catalog) {
	recs, err := r.store.ListReplaceRecords(slave.Name())
	if err != nil {
		r.logger.Error("failed to list replace journal", "slave", slave.Name(), "error", err)
		return
	}
	if len(recs) == 0 {
		return
	}

	cat, err := r.selectSlave(ctx, slave)
	if err != nil {
		r.logger.Warn("skipping orphan backup cleanup, slave unavailable",
			"slave", slave.Name(), "error", err)
		return
	}

	for _, rec := range recs {
		backup, hasBackup := cat[rec.BackupName]
		if !hasBackup {
			// Sequence either completed and the backup is gone, or never
			// got as far as the rename. Either way the journal entry is
			// spent.
			if err := r.store.ClearReplaceRecord(rec.Slave, rec.ImageName); err != nil {
				r.logger.Error("failed to clear replace record",
					"slave", rec.Slave, "image", rec.ImageName, "error", err)
			}
			continue
		}

		base, hasBase := cat[rec.ImageName]
		masterImg, inMaster := masterCat[rec.ImageName]

		recovered := rec.Step == store.StepDone ||
			(hasBase && inMaster && inSync(masterImg, base))
		if !recovered {
			r.logger.Warn("leaving orphaned backup image for manual attention",
				"slave", rec.Slave, "image", rec.ImageName,
				"backup_name", rec.BackupName, "last_step", rec.Step)
			continue
		}

		r.logger.Info("deleting orphaned backup image",
			"slave", rec.Slave, "image", rec.ImageName, "backup_name", rec.BackupName, "id", backup.ID)
		if err := slave.DeleteImage(ctx, backup.ID); err != nil {
			r.logger.Error("failed to delete orphaned backup",
				"slave", rec.Slave, "backup_name", rec.BackupName, "error", err)
			continue
		}
		if err := r.store.ClearReplaceRecord(rec.Slave, rec.ImageName); err != nil {
			r.logger.Error("failed to clear replace record",
				"slave", rec.Slave, "image", rec.ImageName, "error", err)
		}
	}
}

// upload streams a cached file into an image on the slave.
func (r *Reconciler) upload(ctx context.Context, slave glance.Store, id, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening cached file %s: %w", path, err)
	}
	defer f.Close()

	if err := slave.UploadImage(ctx, id, f); err != nil {
		return err
	}
	return nil
}
