// Package txn implements the MVCC transaction layer of spec.md §4.8: it
// stamps every row with a (txId, logId, value) triple on top of an
// ordinary internal/store map, keeps a durable undo log for rollback and
// savepoints, and resolves read visibility/write conflicts between
// concurrently open transactions.
//
// Grounded on cuemby-warren's pkg/storage transactional wrapper for the
// "small interface in front of a versioned store" shape, and on
// other_examples/5c1ae9b6_cobaltdb-cobaltdb__pkg-txn-manager.go.go for the
// Manager/Transaction/state-machine split (Begin/Commit/Rollback, an
// active-transaction table, conflict detection before apply).
package txn

import (
	"bytes"

	"github.com/cuemby/mvstore/internal/codec"
)

// Status is a transaction's position in spec.md §4.8's state machine.
type Status int

const (
	StatusOpen Status = iota
	StatusPrepared
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "OPEN"
	case StatusPrepared:
		return "PREPARED"
	default:
		return "CLOSED"
	}
}

type opType int

const (
	opPut opType = iota
	opRemove
)

// undoEntry is one (txId, logId) slot of the undo log: the operation that
// was applied, which map and key it touched, and the triple that
// occupied that key beforehand (nil if the key did not previously exist).
type undoEntry struct {
	op        opType
	mapName   string
	key       string
	oldExists bool
	oldTxID   int64
	oldLogID  int64
	oldValue  *string
}

// txIDKeyType keys the "openTransactions" map by transaction id.
type txIDKeyType struct{}

func (txIDKeyType) Compare(a, b any) int {
	x, y := a.(int64), b.(int64)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}
func (txIDKeyType) GetMemory(any) int { return 8 }
func (txIDKeyType) Write(buf *bytes.Buffer, v any) {
	codec.PutVarLong(buf, v.(int64))
}
func (txIDKeyType) Read(r *bytes.Reader) (any, error) {
	return codec.ReadVarLong(r)
}

// undoKeyType keys the undo log by (txId, logId).
type undoKeyType struct{}

func (undoKeyType) Compare(a, b any) int {
	ka, kb := a.([2]int64), b.([2]int64)
	if ka[0] != kb[0] {
		if ka[0] < kb[0] {
			return -1
		}
		return 1
	}
	if ka[1] != kb[1] {
		if ka[1] < kb[1] {
			return -1
		}
		return 1
	}
	return 0
}
func (undoKeyType) GetMemory(any) int { return 16 }
func (undoKeyType) Write(buf *bytes.Buffer, v any) {
	k := v.([2]int64)
	codec.PutVarLong(buf, k[0])
	codec.PutVarLong(buf, k[1])
}
func (undoKeyType) Read(r *bytes.Reader) (any, error) {
	a, err := codec.ReadVarLong(r)
	if err != nil {
		return nil, err
	}
	b, err := codec.ReadVarLong(r)
	if err != nil {
		return nil, err
	}
	return [2]int64{a, b}, nil
}

// undoEntryType encodes an *undoEntry as the undo log's value.
type undoEntryType struct{}

func (undoEntryType) Compare(any, any) int { return 0 } // undo entries are never CAS'd
func (undoEntryType) GetMemory(any) int    { return 96 }

func (undoEntryType) Write(buf *bytes.Buffer, v any) {
	e := v.(*undoEntry)
	buf.WriteByte(byte(e.op))
	codec.PutString(buf, e.mapName)
	codec.PutString(buf, e.key)
	if !e.oldExists {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	codec.PutVarLong(buf, e.oldTxID)
	codec.PutVarLong(buf, e.oldLogID)
	if e.oldValue == nil {
		buf.WriteByte(0)
	} else {
		buf.WriteByte(1)
		codec.PutString(buf, *e.oldValue)
	}
}

func (undoEntryType) Read(r *bytes.Reader) (any, error) {
	opb, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	mapName, err := codec.ReadString(r)
	if err != nil {
		return nil, err
	}
	key, err := codec.ReadString(r)
	if err != nil {
		return nil, err
	}
	e := &undoEntry{op: opType(opb), mapName: mapName, key: key}
	existsB, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if existsB == 0 {
		return e, nil
	}
	e.oldExists = true
	e.oldTxID, err = codec.ReadVarLong(r)
	if err != nil {
		return nil, err
	}
	e.oldLogID, err = codec.ReadVarLong(r)
	if err != nil {
		return nil, err
	}
	hasVal, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if hasVal == 1 {
		s, err := codec.ReadString(r)
		if err != nil {
			return nil, err
		}
		e.oldValue = &s
	}
	return e, nil
}

// tripleType encodes a (txId, logId, value) triple as a row's stored
// value (spec.md §3's "per-row encoded value"). Compare is an equality
// check, not an ordering — it only needs to back Map.Replace's CAS.
type tripleType struct{}

func (tripleType) Compare(a, b any) int {
	ta, tb := a.([3]any), b.([3]any)
	if ta[0].(int64) == tb[0].(int64) && ta[1].(int64) == tb[1].(int64) && strEq(ta[2], tb[2]) {
		return 0
	}
	return 1
}

func strEq(a, b any) bool {
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok != bok {
		return false
	}
	if !aok {
		return true // both nil
	}
	return as == bs
}

func (tripleType) GetMemory(v any) int {
	t := v.([3]any)
	mem := 24
	if s, ok := t[2].(string); ok {
		mem += len(s)
	}
	return mem
}

func (tripleType) Write(buf *bytes.Buffer, v any) {
	t := v.([3]any)
	codec.PutVarLong(buf, t[0].(int64))
	codec.PutVarLong(buf, t[1].(int64))
	if s, ok := t[2].(string); ok {
		buf.WriteByte(1)
		codec.PutString(buf, s)
	} else {
		buf.WriteByte(0)
	}
}

func (tripleType) Read(r *bytes.Reader) (any, error) {
	txID, err := codec.ReadVarLong(r)
	if err != nil {
		return nil, err
	}
	logID, err := codec.ReadVarLong(r)
	if err != nil {
		return nil, err
	}
	present, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	var val any
	if present == 1 {
		s, err := codec.ReadString(r)
		if err != nil {
			return nil, err
		}
		val = s
	}
	return [3]any{txID, logID, val}, nil
}

