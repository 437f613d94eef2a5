// Package mapreduce implements the map, shuffle and reduce phases of a job on
// a bounded pool of local workers.
package mapreduce

import (
	"cmp"
	"context"
	"fmt"
	"hash/fnv"
	"iter"
	"reflect"
	"strconv"

	"LocalMR/internal/types"
)

// Mapper turns one record into zero or more pairs passed to emit.
type Mapper[K cmp.Ordered, V any] interface {
	Map(ctx context.Context, rec types.Record, emit func(K, V)) error
}

// MapperFunc adapts a function to Mapper.
type MapperFunc[K cmp.Ordered, V any] func(ctx context.Context, rec types.Record, emit func(K, V)) error

func (f MapperFunc[K, V]) Map(ctx context.Context, rec types.Record, emit func(K, V)) error {
	return f(ctx, rec, emit)
}

// Reducer is called once per distinct key. values can be ranged over once;
// whatever the reducer leaves unread is drained by the engine.
type Reducer[K cmp.Ordered, V any] interface {
	Reduce(ctx context.Context, key K, values iter.Seq[V], emit func(K, V)) error
}

// ReducerFunc adapts a function to Reducer.
type ReducerFunc[K cmp.Ordered, V any] func(ctx context.Context, key K, values iter.Seq[V], emit func(K, V)) error

func (f ReducerFunc[K, V]) Reduce(ctx context.Context, key K, values iter.Seq[V], emit func(K, V)) error {
	return f(ctx, key, values, emit)
}

// Partitioner picks the partition in [0, partitions) for key. It must be
// deterministic for the whole run.
type Partitioner[K cmp.Ordered] func(key K, partitions int) int

// HashPartitioner is FNV-1a of the key's text modulo the partition count.
// Keys that compare equal hash equally, so -0 is hashed as 0.
func HashPartitioner[K cmp.Ordered](key K, partitions int) int {
	h := fnv.New32a()
	v := reflect.ValueOf(key)
	switch v.Kind() {
	case reflect.String:
		h.Write([]byte(v.String()))
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if f == 0 {
			f = 0
		}
		h.Write([]byte(strconv.FormatFloat(f, 'g', -1, 64)))
	default:
		fmt.Fprint(h, key)
	}
	return int(h.Sum32()&0x7fffffff) % partitions
}

// Sink receives a job's final pairs once every partition has been reduced.
type Sink[K cmp.Ordered, V any] interface {
	Write(kv types.KeyValue[K, V]) error
	Close() error
}

// callMapper runs the user mapper, turning a panic into an error.
func callMapper[K cmp.Ordered, V any](ctx context.Context, m Mapper[K, V], rec types.Record, emit func(K, V)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mapper panicked: %v", r)
		}
	}()
	return m.Map(ctx, rec, emit)
}

// callReducer runs the user reducer, turning a panic into an error.
func callReducer[K cmp.Ordered, V any](ctx context.Context, r Reducer[K, V], key K, values iter.Seq[V], emit func(K, V)) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("reducer panicked: %v", p)
		}
	}()
	return r.Reduce(ctx, key, values, emit)
}
