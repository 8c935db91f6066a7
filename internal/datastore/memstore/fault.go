package memstore

import (
	"sync"

	"github.com/roach88/syncline/internal/queryir"
)

// FailFirst returns a fault that fails the first n statements accepted by
// match with err, then lets everything through.
func FailFirst(n int, match func(queryir.Statement) bool, err error) FaultFunc {
	var (
		mu    sync.Mutex
		count int
	)
	return func(stmt queryir.Statement) error {
		if match != nil && !match(stmt) {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if count >= n {
			return nil
		}
		count++
		return err
	}
}

// Inserts matches insert statements.
func Inserts(stmt queryir.Statement) bool {
	_, ok := stmt.(queryir.Insert)
	return ok
}

// Mutations matches inserts, updates and deletes.
func Mutations(stmt queryir.Statement) bool {
	switch stmt.(type) {
	case queryir.Insert, queryir.Update, queryir.Delete:
		return true
	}
	return false
}
