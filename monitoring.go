package curator

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CollectionStats summarizes one collection of a KVStore. DataSize is the
// total encoded size of its records in bytes.
type CollectionStats struct {
	Records      int
	IndexEntries int
	DataSize     int
}

// Stats counts the records and index entries of a collection.
func (s *KVStore) Stats(coll string) (CollectionStats, error) {
	var st CollectionStats
	err := s.read(func(tx storageTx) error {
		var err error
		st, err = collectionStats(tx, coll)
		return err
	})
	return st, err
}

func collectionStats(tx storageTx, coll string) (CollectionStats, error) {
	var st CollectionStats
	if db := tx.Bucket(coll, dataBucket); db != nil {
		c := db.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			st.Records++
			st.DataSize += len(v)
		}
	}
	err := tx.ForEachBucket(coll, func(sub string) error {
		if sub != dataBucket {
			st.IndexEntries += tx.Bucket(coll, sub).KeyCount()
		}
		return nil
	})
	if err != nil {
		return CollectionStats{}, fmt.Errorf("%s: %w", coll, err)
	}
	return st, nil
}

type instrumentedStore struct {
	next     Store
	ops      *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// InstrumentStore wraps store with Prometheus metrics: operation counts by
// collection and outcome, and operation latency. Errors pass through
// unchanged. A nil registerer uses prometheus.DefaultRegisterer.
func InstrumentStore(store Store, reg prometheus.Registerer) Store {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &instrumentedStore{
		next: store,
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "curator",
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Store operations by collection and outcome.",
		}, []string{"operation", "collection", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "curator",
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Store operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "collection"}),
	}
	reg.MustRegister(s.ops, s.duration)
	return s
}

func (s *instrumentedStore) observe(op, coll string, start time.Time, outcome string) {
	s.duration.WithLabelValues(op, coll).Observe(time.Since(start).Seconds())
	s.ops.WithLabelValues(op, coll, outcome).Inc()
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (s *instrumentedStore) Save(ctx context.Context, req SaveRequest) (string, error) {
	start := time.Now()
	key, err := s.next.Save(ctx, req)
	s.observe("save", req.Collection, start, outcomeOf(err))
	return key, err
}

func (s *instrumentedStore) Delete(ctx context.Context, coll, key string) error {
	start := time.Now()
	err := s.next.Delete(ctx, coll, key)
	s.observe("delete", coll, start, outcomeOf(err))
	return err
}

func (s *instrumentedStore) FindByKey(ctx context.Context, coll, key string) (*Record, error) {
	start := time.Now()
	rec, err := s.next.FindByKey(ctx, coll, key)
	outcome := outcomeOf(err)
	if err == nil && rec == nil {
		outcome = "notfound"
	}
	s.observe("find_by_key", coll, start, outcome)
	return rec, err
}

func (s *instrumentedStore) FindByIndex(ctx context.Context, coll, field string, q IndexQuery) ([]Record, error) {
	start := time.Now()
	recs, err := s.next.FindByIndex(ctx, coll, field, q)
	s.observe("find_by_index", coll, start, outcomeOf(err))
	return recs, err
}
