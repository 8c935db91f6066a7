package writer

import (
	"github.com/roach88/syncline/internal/detect"
	"github.com/roach88/syncline/internal/transform"
)

// Group is a run of records sharing an operation and a target table.
type Group struct {
	Op      detect.Kind
	Table   string
	Records []transform.Record
}

// Wave is a set of groups that touch disjoint target rows and can be
// written in parallel.
type Wave []Group

type groupKey struct {
	op    detect.Kind
	table string
}

type rowKey struct {
	table string
	key   string
}

// Plan splits records, given in detection order, into waves. A record
// whose target row already appears in the current wave opens the next
// wave, so every row sees its writes in detection order and no batch
// touches one row twice. Groups keep the order of their first record.
func Plan(recs []transform.Record) []Wave {
	var waves []Wave
	var wave Wave
	index := map[groupKey]int{}
	rows := map[rowKey]bool{}

	flush := func() {
		if len(wave) > 0 {
			waves = append(waves, wave)
		}
		wave = nil
		index = map[groupKey]int{}
		rows = map[rowKey]bool{}
	}

	for _, r := range recs {
		if r.Operation == detect.NoChange {
			continue
		}
		rk := rowKey{table: r.TargetTable, key: r.Key()}
		if rows[rk] {
			flush()
		}
		rows[rk] = true
		gk := groupKey{op: r.Operation, table: r.TargetTable}
		i, ok := index[gk]
		if !ok {
			i = len(wave)
			index[gk] = i
			wave = append(wave, Group{Op: r.Operation, Table: r.TargetTable})
		}
		wave[i].Records = append(wave[i].Records, r)
	}
	flush()
	return waves
}
