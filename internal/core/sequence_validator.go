package core

import (
	"fmt"

	errorsmod "cosmossdk.io/errors"

	"ForwardLedger/internal/types"
)

// SequenceValidator tracks the next expected sequence per partition.
// Not thread-safe; the engine serializes access.
//
// Producer partitions are strict: gaps and regressions are errors. Price
// observation partitions tolerate gaps and reject regressions.
type SequenceValidator struct {
	expectedNextSeq map[string]int64
	onGap           func(partition string, expected, got int64)
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{expectedNextSeq: make(map[string]int64)}
}

func producerPartition(producer string) string { return "producer:" + producer }

func poolPartition(poolID uint64) string { return fmt.Sprintf("pool:%d", poolID) }

// ValidateSequence checks a strict producer sequence. A replayed duplicate
// below the expected value is accepted.
func (sv *SequenceValidator) ValidateSequence(partition string, sequence int64, isDuplicate bool) error {
	expected := sv.expectedNextSeq[partition]

	if sequence < expected {
		if isDuplicate {
			return nil
		}
		return errorsmod.Wrapf(types.ErrMalformedCommand, "out-of-order command: partition=%s, expected=%d, got=%d",
			partition, expected, sequence)
	}
	if sequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}
	if sv.onGap != nil {
		sv.onGap(partition, expected, sequence)
	}
	return errorsmod.Wrapf(types.ErrMalformedCommand, "sequence gap: partition=%s, expected=%d, got=%d",
		partition, expected, sequence)
}

// ValidateObservationSequence accepts any sequence above the last one
// seen for the pool. Regressions and replays are stale.
func (sv *SequenceValidator) ValidateObservationSequence(poolID uint64, sequence int64) error {
	partition := poolPartition(poolID)
	expected := sv.expectedNextSeq[partition]

	if sequence < expected {
		return errorsmod.Wrapf(types.ErrStaleData, "pool %d observation %d, already at %d", poolID, sequence, expected-1)
	}
	if sequence > expected && expected > 0 && sv.onGap != nil {
		sv.onGap(partition, expected, sequence)
	}
	sv.expectedNextSeq[partition] = sequence + 1
	return nil
}

// GetExpectedSequence returns the next expected sequence for a partition.
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// RestorePartition sets the next expected sequence (used during recovery).
func (sv *SequenceValidator) RestorePartition(partition string, next int64) {
	sv.expectedNextSeq[partition] = next
}

// GetAllPartitions returns a copy of every partition's next sequence.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}
