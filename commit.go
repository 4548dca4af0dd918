package stm

import "sort"

// prepareAndCommit runs spec.md §4.C steps 5-8 / §4.E's pipeline: acquire
// write locks in a deterministic order, revalidate, finalize commutes,
// bump the clock if anything was written, revalidate the read log once
// more, publish, and release. On any validation failure the tx is aborted
// and the triggering control signal is returned; the caller (executor.go)
// is the only thing allowed to see it.
func (tx *Txn) prepareAndCommit() error {
	if err := tx.checkMutable(); err != nil {
		return err
	}

	if len(tx.writeLog) == 0 {
		// Read-only: nothing to lock, tick, or publish. Still release any
		// pessimistic read locks the tx picked up along the way.
		tx.status = txCommitted
		for _, entry := range tx.readLog {
			entry.c.release(tx, true)
		}
		tx.cfg.Logger.Debug("committed read-only transaction",
			"attempt", tx.attempt,
			"reads", len(tx.readLog),
		)
		tx.readLog = nil
		tx.readIndex = nil
		return nil
	}

	// Deterministic lock-acquisition order by stable cell id avoids
	// deadlock between two txs writing overlapping sets (spec.md §4.E).
	order := make([]int, len(tx.writeLog))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		return tx.writeLog[order[i]].c.cellID() < tx.writeLog[order[j]].c.cellID()
	})

	tx.status = txPrepared
	for _, idx := range order {
		if err := tx.writeLog[idx].c.prepareForCommit(tx); err != nil {
			tx.abort()
			return err
		}
	}

	for _, c := range tx.commuteOrder {
		c.finalizeCommute(tx)
	}

	writeClock := tx.rt.clock.Tick()
	upperBound := writeClock - 1

	if tx.cfg.IsolationLevel == Serialized {
		for _, entry := range tx.readLog {
			if _, isWrite := tx.writeIndex[entry.c]; isWrite {
				continue
			}
			if err := entry.c.revalidateRead(tx, entry, upperBound); err != nil {
				tx.abort()
				return err
			}
		}
	}

	for _, idx := range order {
		tx.writeLog[idx].c.publish(tx, writeClock)
	}
	for _, entry := range tx.readLog {
		if _, isWrite := tx.writeIndex[entry.c]; !isWrite {
			entry.c.release(tx, true)
		}
	}

	tx.cfg.Logger.Debug("committed transaction",
		"attempt", tx.attempt,
		"writeClock", writeClock,
		"writes", len(tx.writeLog),
	)

	tx.status = txCommitted
	tx.readLog = nil
	tx.readIndex = nil
	tx.writeLog = nil
	tx.writeIndex = nil
	tx.commuteLog = nil
	tx.commuteOrder = nil
	return nil
}
