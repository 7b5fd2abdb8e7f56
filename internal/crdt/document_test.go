package crdt

import (
	"encoding/json"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(t *testing.T, entries ...Entry) []byte {
	t.Helper()
	return Encode(entries)
}

func TestMergeIsOrderIndependent(t *testing.T) {
	frames := [][]byte{
		frame(t, Entry{Key: "chores/1", Value: json.RawMessage(`"dishes"`), Clock: 1, Replica: "alice"}),
		frame(t, Entry{Key: "chores/1", Value: json.RawMessage(`"laundry"`), Clock: 2, Replica: "bob"}),
		frame(t, Entry{Key: "chores/2", Value: json.RawMessage(`"trash"`), Clock: 2, Replica: "alice"}),
		frame(t, Entry{Key: "chores/2", Value: json.RawMessage(`"recycling"`), Clock: 2, Replica: "carol"}),
		frame(t, Entry{Key: "chores/3", Value: json.RawMessage(`"mow"`), Clock: 1, Replica: "bob"}),
		frame(t, Entry{Key: "chores/3", Clock: 3, Replica: "alice", Deleted: true}),
		frame(t, Entry{Key: "budget", Value: json.RawMessage(`{"limit":200}`), Clock: 5, Replica: "dana"}),
	}

	reference := New()
	for _, f := range frames {
		require.NoError(t, reference.ApplyUpdate(f))
	}
	want := reference.EncodeState()

	rng := rand.New(rand.NewPCG(1, 2))
	for range 50 {
		order := rng.Perm(len(frames))
		replica := New()
		for _, i := range order {
			require.NoError(t, replica.ApplyUpdate(frames[i]))
			// duplicate delivery must not change anything
			if rng.IntN(3) == 0 {
				require.NoError(t, replica.ApplyUpdate(frames[i]))
			}
		}
		assert.JSONEq(t, string(want), string(replica.EncodeState()))
	}

	v, ok := reference.Get("chores/2")
	require.True(t, ok)
	assert.JSONEq(t, `"recycling"`, string(v), "higher replica id breaks clock ties")
	_, ok = reference.Get("chores/3")
	assert.False(t, ok, "tombstone hides older write")
}

func TestApplyUpdateNotifiesWithDeltaOnly(t *testing.T) {
	doc := New()
	var got [][]byte
	unsubscribe := doc.OnUpdate(func(update []byte) { got = append(got, update) })

	f := frame(t, Entry{Key: "a", Value: json.RawMessage(`1`), Clock: 2, Replica: "x"})
	require.NoError(t, doc.ApplyUpdate(f))
	require.NoError(t, doc.ApplyUpdate(f))
	require.NoError(t, doc.ApplyUpdate(frame(t, Entry{Key: "a", Value: json.RawMessage(`0`), Clock: 1, Replica: "y"})))
	require.Len(t, got, 1, "stale and duplicate frames produce no broadcast")

	unsubscribe()
	require.NoError(t, doc.ApplyUpdate(frame(t, Entry{Key: "b", Value: json.RawMessage(`2`), Clock: 3, Replica: "x"})))
	assert.Len(t, got, 1)
}

func TestApplyUpdateRejectsMalformedFrames(t *testing.T) {
	doc := New()
	assert.ErrorIs(t, doc.ApplyUpdate([]byte("not json")), ErrMalformedUpdate)
	assert.ErrorIs(t, doc.ApplyUpdate([]byte(`[{"k":"","r":"x","c":1}]`)), ErrMalformedUpdate)
	assert.Equal(t, "[]", string(doc.EncodeState()))
}

func TestMaxClockIsRejected(t *testing.T) {
	doc := New()
	err := doc.ApplyUpdate(frame(t, Entry{Key: "chores", Value: json.RawMessage(`1`), Replica: "a", Clock: math.MaxUint64}))
	assert.ErrorIs(t, err, ErrMalformedUpdate)
	assert.Equal(t, "[]", string(doc.EncodeState()))

	require.NoError(t, doc.ApplyUpdate(frame(t, Entry{Key: "chores", Value: json.RawMessage(`1`), Replica: "a", Clock: math.MaxUint64 - 1})))
	entries, err := Decode(doc.Set("b", "chores", json.RawMessage(`2`)))
	require.NoError(t, err, "local writes stay decodable at the ceiling")
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(math.MaxUint64-1), entries[0].Clock)

	v, ok := doc.Get("chores")
	require.True(t, ok)
	assert.JSONEq(t, `2`, string(v), "replica b wins the tie")
}

func TestLocalWritesAdvanceClock(t *testing.T) {
	doc := New()
	require.NoError(t, doc.ApplyUpdate(frame(t, Entry{Key: "a", Value: json.RawMessage(`1`), Clock: 7, Replica: "z"})))

	doc.Set("a-replica", "a", json.RawMessage(`2`))
	v, ok := doc.Get("a")
	require.True(t, ok)
	assert.JSONEq(t, "2", string(v))

	doc.Delete("a-replica", "a")
	_, ok = doc.Get("a")
	assert.False(t, ok)
}

func TestMergeStates(t *testing.T) {
	a := frame(t, Entry{Key: "k", Value: json.RawMessage(`"a"`), Clock: 1, Replica: "a"})
	b := frame(t, Entry{Key: "k", Value: json.RawMessage(`"b"`), Clock: 1, Replica: "b"})

	ab, err := Merge(a, b)
	require.NoError(t, err)
	ba, err := Merge(b, a)
	require.NoError(t, err)
	assert.Equal(t, ab, ba)

	empty, err := Merge(nil, a)
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(empty))
}

func TestApplyReturnsDelta(t *testing.T) {
	doc := New()
	first := frame(t,
		Entry{Key: "a", Value: json.RawMessage(`1`), Clock: 2, Replica: "x"},
		Entry{Key: "b", Value: json.RawMessage(`1`), Clock: 2, Replica: "x"},
	)
	delta, err := doc.Apply(first)
	require.NoError(t, err)
	assert.JSONEq(t, string(first), string(delta))

	stale := frame(t,
		Entry{Key: "a", Value: json.RawMessage(`0`), Clock: 1, Replica: "y"},
		Entry{Key: "c", Value: json.RawMessage(`3`), Clock: 1, Replica: "y"},
	)
	delta, err = doc.Apply(stale)
	require.NoError(t, err)
	entries, err := Decode(delta)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "c", entries[0].Key)

	delta, err = doc.Apply(stale)
	require.NoError(t, err)
	assert.Nil(t, delta)
}
