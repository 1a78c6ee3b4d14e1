package doccontrol

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/sfescape/bayou/apiframe"
	"github.com/sfescape/bayou/delta"
	"github.com/sfescape/bayou/metrics"
	"github.com/sfescape/bayou/txfile"
)

// schemaVersion is the storage layout this build reads and writes.
const schemaVersion = "1"

// schemaVersionPath is file-global, shared by all payloads.
var schemaVersionPath = txfile.MustPath("/schema_version")

// ValidationStatus reports what opening a file found.
type ValidationStatus string

const (
	// StatusOK means the file is usable as-is.
	StatusOK ValidationStatus = "ok"
	// StatusMigrate means the file is schema-compatible but needs a
	// storage upgrade before heavy use.
	StatusMigrate ValidationStatus = "migrate"
	// StatusError means the file is unrecoverable.
	StatusError ValidationStatus = "error"
)

// migratableSchemas are older layouts this build can upgrade in place.
var migratableSchemas = map[string]bool{"0": true}

// ValidateSchema checks the file's schema version, stamping fresh files
// with the current one.
func ValidateSchema(ctx context.Context, file txfile.File) (ValidationStatus, error) {
	result, err := file.Transact(ctx, txfile.MustSpec(txfile.ReadPath(schemaVersionPath)))
	if err != nil {
		return StatusError, err
	}
	buf, ok := result.Data[schemaVersionPath]
	if !ok {
		_, err := file.Transact(ctx, txfile.MustSpec(
			txfile.CheckPathAbsent(schemaVersionPath),
			txfile.WritePath(schemaVersionPath, txfile.BufferFromString(schemaVersion)),
		))
		if err != nil && !errors.Is(err, txfile.ErrPrerequisiteFailed) {
			return StatusError, err
		}
		return StatusOK, nil
	}
	switch v := buf.String(); {
	case v == schemaVersion:
		return StatusOK, nil
	case migratableSchemas[v]:
		return StatusMigrate, nil
	default:
		return StatusError, fmt.Errorf("%w: unknown schema version %q", ErrBadData, buf.String())
	}
}

// initDurable brings a durable payload's log into a usable state: on first
// open it writes the empty-document change at revision 0, and after an
// unclean shutdown it rebuilds the revision number from the log, discarding
// gap-creating changes. Gap-creators were never acknowledged to any client,
// because acknowledgment happens only after the compare-and-swap.
func (c *Control) initDurable(ctx context.Context) error {
	exists, err := c.file.Exists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		if err := c.file.Create(ctx); err != nil {
			return err
		}
	}

	result, err := c.file.Transact(ctx, txfile.MustSpec(txfile.ReadPath(c.revNumPath())))
	if err != nil {
		return err
	}
	if buf, ok := result.Data[c.revNumPath()]; ok {
		current, err := decodeRevNum(buf)
		if err != nil {
			return err
		}
		// Cheap consistency probe: the change at the current revision
		// must exist.
		if _, err := c.GetChange(ctx, current); err != nil {
			return fmt.Errorf("%w: revision %d recorded but change missing", ErrWTF, current)
		}
		return nil
	}
	return c.recover(ctx)
}

func (c *Control) recover(ctx context.Context) error {
	result, err := c.file.Transact(ctx, txfile.MustSpec(txfile.ListPathPrefix(c.revisionRoot())))
	if err != nil {
		return err
	}
	revs := make([]int, 0, len(result.Paths))
	for _, p := range result.Paths {
		n, err := strconv.Atoi(p.LastComponent())
		if err != nil {
			c.logger.Warn("Ignoring non-numeric revision path", zap.String("path", string(p)))
			continue
		}
		revs = append(revs, n)
	}

	if len(revs) == 0 {
		return c.bootstrap(ctx)
	}

	sort.Ints(revs)
	if revs[0] != 0 {
		return fmt.Errorf("%w: revision log has no revision 0", ErrBadData)
	}
	highest := 0
	for _, n := range revs[1:] {
		if n != highest+1 {
			break
		}
		highest = n
	}

	ops := []txfile.Op{txfile.WritePath(c.revNumPath(), encodeRevNum(highest))}
	for _, n := range revs {
		if n > highest {
			c.logger.Warn("Discarding gap-creating change", zap.Int("rev_num", n))
			ops = append(ops, txfile.DeletePath(c.changePath(n)))
		}
	}
	if _, err := c.file.Transact(ctx, txfile.MustSpec(ops...)); err != nil {
		return err
	}
	c.logger.Info("Recovered revision log", zap.Int("rev_num", highest))
	return nil
}

// bootstrap writes the empty-document change at revision 0.
func (c *Control) bootstrap(ctx context.Context) error {
	change, err := delta.NewChange(0, delta.Empty(c.kind), time.Time{}, "")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWTF, err)
	}
	encoded, err := c.codec.Marshal(change)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWTF, err)
	}
	_, err = c.file.Transact(ctx, txfile.MustSpec(
		txfile.CheckPathAbsent(c.revNumPath()),
		txfile.WritePath(c.revNumPath(), encodeRevNum(0)),
		txfile.WritePath(c.changePath(0), txfile.NewFrozenBuffer(encoded)),
	))
	if errors.Is(err, txfile.ErrPrerequisiteFailed) {
		// Another opener bootstrapped first.
		return nil
	}
	return err
}

// BodyControl is the durable control for the document body payload.
type BodyControl struct {
	*Control
}

// NewBodyControl opens (initializing or recovering as needed) the body log
// of a file.
func NewBodyControl(ctx context.Context, file txfile.File, codec *apiframe.Codec, opts *Options, m *metrics.Metrics, logger *zap.Logger) (*BodyControl, error) {
	c, err := newControl(file, codec, delta.KindBody, "", opts, m, logger)
	if err != nil {
		return nil, err
	}
	if err := c.initDurable(ctx); err != nil {
		return nil, err
	}
	return &BodyControl{Control: c}, nil
}

// PropertyControl is the durable control for the document property payload.
type PropertyControl struct {
	*Control
}

// NewPropertyControl opens the property log of a file.
func NewPropertyControl(ctx context.Context, file txfile.File, codec *apiframe.Codec, opts *Options, m *metrics.Metrics, logger *zap.Logger) (*PropertyControl, error) {
	c, err := newControl(file, codec, delta.KindProperty, "/property", opts, m, logger)
	if err != nil {
		return nil, err
	}
	if err := c.initDurable(ctx); err != nil {
		return nil, err
	}
	return &PropertyControl{Control: c}, nil
}
