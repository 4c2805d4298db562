package offheapmap_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/calvinalkan/offheapmap/pkg/offheapmap"
)

func openTestEngine(tb testing.TB, opts ...offheapmap.Option[string, []byte]) *offheapmap.MapEngine[string, []byte] {
	tb.Helper()

	path := filepath.Join(tb.TempDir(), "test.ohm")

	base := []offheapmap.Option[string, []byte]{
		offheapmap.WithKeyCodec[string, []byte](offheapmap.NewStringCodec()),
		offheapmap.WithValueCodec[string, []byte](offheapmap.NewBytesCodec()),
		offheapmap.WithSegments[string, []byte](4),
		offheapmap.WithEntriesPerSegment[string, []byte](256),
		offheapmap.WithEntrySize[string, []byte](32),
		offheapmap.WithMaxOversize[string, []byte](16),
	}

	e, err := offheapmap.Open[string, []byte](path, append(base, opts...)...)
	if err != nil {
		tb.Fatalf("Open: %v", err)
	}

	tb.Cleanup(func() { _ = e.Close() })

	return e
}

func Test_Put_Then_Get_Returns_The_Stored_Value(t *testing.T) {
	t.Parallel()

	e := openTestEngine(t)

	_, hadPrev, err := e.Put("a", []byte("1"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if hadPrev {
		t.Fatalf("Put on absent key reported hadPrev=true")
	}

	value, ok, err := e.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if !ok || string(value) != "1" {
		t.Fatalf("Get(a) = (%q, %v), want (\"1\", true)", value, ok)
	}
}

func Test_Put_Overwrites_And_Returns_The_Previous_Value(t *testing.T) {
	t.Parallel()

	e := openTestEngine(t)

	if _, _, err := e.Put("a", []byte("1")); err != nil {
		t.Fatalf("Put 1: %v", err)
	}

	prev, hadPrev, err := e.Put("a", []byte("2"))
	if err != nil {
		t.Fatalf("Put 2: %v", err)
	}

	if !hadPrev || string(prev) != "1" {
		t.Fatalf("Put overwrite: got (%q, %v), want (\"1\", true)", prev, hadPrev)
	}

	value, _, _ := e.Get("a")
	if string(value) != "2" {
		t.Fatalf("Get after overwrite = %q, want \"2\"", value)
	}
}

func Test_Get_On_Absent_Key_Reports_Not_Found(t *testing.T) {
	t.Parallel()

	e := openTestEngine(t)

	_, ok, err := e.Get("missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if ok {
		t.Fatalf("Get(missing) reported ok=true")
	}
}

func Test_PutIfAbsent_Does_Not_Overwrite_An_Existing_Binding(t *testing.T) {
	t.Parallel()

	e := openTestEngine(t)

	if _, _, err := e.Put("a", []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	prev, hadPrev, err := e.PutIfAbsent("a", []byte("2"))
	if err != nil {
		t.Fatalf("PutIfAbsent: %v", err)
	}

	if !hadPrev || string(prev) != "1" {
		t.Fatalf("PutIfAbsent on present key: got (%q, %v), want (\"1\", true)", prev, hadPrev)
	}

	value, _, _ := e.Get("a")
	if string(value) != "1" {
		t.Fatalf("PutIfAbsent mutated an existing binding: Get = %q", value)
	}
}

func Test_PutIfAbsent_Inserts_When_Key_Is_Absent(t *testing.T) {
	t.Parallel()

	e := openTestEngine(t)

	_, hadPrev, err := e.PutIfAbsent("a", []byte("1"))
	if err != nil {
		t.Fatalf("PutIfAbsent: %v", err)
	}

	if hadPrev {
		t.Fatalf("PutIfAbsent on absent key reported hadPrev=true")
	}

	value, ok, _ := e.Get("a")
	if !ok || string(value) != "1" {
		t.Fatalf("Get after PutIfAbsent = (%q, %v), want (\"1\", true)", value, ok)
	}
}

func Test_Remove_Deletes_The_Binding_And_Returns_Its_Value(t *testing.T) {
	t.Parallel()

	e := openTestEngine(t)

	if _, _, err := e.Put("a", []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	prev, existed, err := e.Remove("a")
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if !existed || string(prev) != "1" {
		t.Fatalf("Remove: got (%q, %v), want (\"1\", true)", prev, existed)
	}

	if _, ok, _ := e.Get("a"); ok {
		t.Fatalf("key still present after Remove")
	}
}

func Test_Remove_On_Absent_Key_Is_A_Harmless_NoOp(t *testing.T) {
	t.Parallel()

	e := openTestEngine(t)

	_, existed, err := e.Remove("missing")
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if existed {
		t.Fatalf("Remove(missing) reported existed=true")
	}
}

func Test_RemoveIf_Only_Removes_When_Value_Matches(t *testing.T) {
	t.Parallel()

	e := openTestEngine(t)

	if _, _, err := e.Put("a", []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	removed, err := e.RemoveIf("a", []byte("2"))
	if err != nil {
		t.Fatalf("RemoveIf (mismatch): %v", err)
	}

	if removed {
		t.Fatalf("RemoveIf removed a binding despite a value mismatch")
	}

	if _, ok, _ := e.Get("a"); !ok {
		t.Fatalf("RemoveIf with a mismatched value deleted the binding")
	}

	removed, err = e.RemoveIf("a", []byte("1"))
	if err != nil {
		t.Fatalf("RemoveIf (match): %v", err)
	}

	if !removed {
		t.Fatalf("RemoveIf with a matching value did not remove the binding")
	}

	if _, ok, _ := e.Get("a"); ok {
		t.Fatalf("key still present after a matching RemoveIf")
	}
}

func Test_Replace_Only_Mutates_An_Existing_Binding(t *testing.T) {
	t.Parallel()

	e := openTestEngine(t)

	_, existed, err := e.Replace("missing", []byte("x"))
	if err != nil {
		t.Fatalf("Replace(missing): %v", err)
	}

	if existed {
		t.Fatalf("Replace(missing) reported existed=true")
	}

	if _, ok, _ := e.Get("missing"); ok {
		t.Fatalf("Replace on an absent key inserted it")
	}

	if _, _, err := e.Put("a", []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	prev, existed, err := e.Replace("a", []byte("2"))
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}

	if !existed || string(prev) != "1" {
		t.Fatalf("Replace: got (%q, %v), want (\"1\", true)", prev, existed)
	}

	value, _, _ := e.Get("a")
	if string(value) != "2" {
		t.Fatalf("Get after Replace = %q, want \"2\"", value)
	}
}

func Test_ReplaceIf_Only_Replaces_When_Value_Matches(t *testing.T) {
	t.Parallel()

	e := openTestEngine(t)

	if _, _, err := e.Put("a", []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	replaced, err := e.ReplaceIf("a", []byte("nope"), []byte("2"))
	if err != nil {
		t.Fatalf("ReplaceIf (mismatch): %v", err)
	}

	if replaced {
		t.Fatalf("ReplaceIf replaced despite a value mismatch")
	}

	replaced, err = e.ReplaceIf("a", []byte("1"), []byte("2"))
	if err != nil {
		t.Fatalf("ReplaceIf (match): %v", err)
	}

	if !replaced {
		t.Fatalf("ReplaceIf with a matching value did not replace")
	}

	value, _, _ := e.Get("a")
	if string(value) != "2" {
		t.Fatalf("Get after ReplaceIf = %q, want \"2\"", value)
	}
}

func Test_ContainsKey_Reflects_Presence(t *testing.T) {
	t.Parallel()

	e := openTestEngine(t)

	ok, err := e.ContainsKey("a")
	if err != nil {
		t.Fatalf("ContainsKey: %v", err)
	}

	if ok {
		t.Fatalf("ContainsKey(a) = true before insertion")
	}

	if _, _, err := e.Put("a", []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ok, err = e.ContainsKey("a")
	if err != nil {
		t.Fatalf("ContainsKey: %v", err)
	}

	if !ok {
		t.Fatalf("ContainsKey(a) = false after insertion")
	}
}

func Test_Clear_Empties_The_Map(t *testing.T) {
	t.Parallel()

	e := openTestEngine(t)

	for i := 0; i < 10; i++ {
		if _, _, err := e.Put(string(rune('a'+i)), []byte{byte(i)}); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}

	if got := e.Size(); got != 10 {
		t.Fatalf("Size before Clear = %d, want 10", got)
	}

	if err := e.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	if got := e.Size(); got != 0 {
		t.Fatalf("Size after Clear = %d, want 0", got)
	}

	if _, ok, _ := e.Get("a"); ok {
		t.Fatalf("key still present after Clear")
	}
}

func Test_Size_Tracks_Live_Bindings_Across_Segments(t *testing.T) {
	t.Parallel()

	e := openTestEngine(t)

	keys := []string{"alpha", "beta", "gamma", "delta", "epsilon"}

	for _, k := range keys {
		if _, _, err := e.Put(k, []byte(k)); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}

	if got := e.Size(); got != uint64(len(keys)) {
		t.Fatalf("Size = %d, want %d", got, len(keys))
	}

	if _, _, err := e.Remove(keys[0]); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if got := e.Size(); got != uint64(len(keys)-1) {
		t.Fatalf("Size after Remove = %d, want %d", got, len(keys)-1)
	}

	if got, want := e.LongSize(), int64(len(keys)-1); got != want {
		t.Fatalf("LongSize = %d, want %d", got, want)
	}
}

func Test_GetUsing_Decodes_Into_The_Caller_Supplied_Value(t *testing.T) {
	t.Parallel()

	e := openTestEngine(t)

	if _, _, err := e.Put("a", []byte("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	value, ok, err := e.GetUsing("a", make([]byte, 0, 16))
	if err != nil {
		t.Fatalf("GetUsing: %v", err)
	}

	if !ok || string(value) != "hello" {
		t.Fatalf("GetUsing = (%q, %v), want (\"hello\", true)", value, ok)
	}
}

type constDefaultValueProvider struct{ value []byte }

func (p constDefaultValueProvider) Get(_ string, _ []byte) ([]byte, bool) {
	return append([]byte(nil), p.value...), true
}

type constValueFactory struct{ value []byte }

func (f constValueFactory) Create() []byte {
	return append([]byte(nil), f.value...)
}

func Test_Get_Inserts_The_Default_Value_When_Key_Is_Absent(t *testing.T) {
	t.Parallel()

	e := openTestEngine(t, offheapmap.WithDefaultValueProvider[string, []byte](constDefaultValueProvider{value: []byte("default")}))

	value, ok, err := e.Get("missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if !ok || string(value) != "default" {
		t.Fatalf("Get(create=false) = (%q, %v), want (\"default\", true)", value, ok)
	}

	if ok, _ := e.ContainsKey("missing"); !ok {
		t.Fatalf("Get did not insert the DefaultValueProvider's value")
	}
}

func Test_GetUsing_Inserts_The_Default_Value_When_Key_Is_Absent(t *testing.T) {
	t.Parallel()

	e := openTestEngine(t, offheapmap.WithDefaultValueProvider[string, []byte](constDefaultValueProvider{value: []byte("default")}))

	value, ok, err := e.GetUsing("missing", nil)
	if err != nil {
		t.Fatalf("GetUsing: %v", err)
	}

	if !ok || string(value) != "default" {
		t.Fatalf("GetUsing(create=false) = (%q, %v), want (\"default\", true)", value, ok)
	}
}

func Test_Get_Leaves_The_Key_Absent_When_The_Provider_Declines(t *testing.T) {
	t.Parallel()

	e := openTestEngine(t, offheapmap.WithDefaultValueProvider[string, []byte](declineValueProvider{}))

	_, ok, err := e.Get("missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if ok {
		t.Fatalf("Get returned ok=true for a provider that declined")
	}

	if ok, _ := e.ContainsKey("missing"); ok {
		t.Fatalf("Get bound a key the provider declined to supply a value for")
	}
}

type declineValueProvider struct{}

func (declineValueProvider) Get(_ string, _ []byte) ([]byte, bool) { return nil, false }

func Test_Get_Without_A_Provider_Returns_Not_Found(t *testing.T) {
	t.Parallel()

	e := openTestEngine(t)

	_, ok, err := e.Get("missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if ok {
		t.Fatalf("Get with no DefaultValueProvider returned ok=true")
	}
}

func Test_AcquireUsing_Creates_A_Value_Via_The_Factory_When_Key_Is_Absent(t *testing.T) {
	t.Parallel()

	e := openTestEngine(t, offheapmap.WithValueFactory[string, []byte](constValueFactory{value: []byte("fresh")}))

	value, err := e.AcquireUsing("missing", nil)
	if err != nil {
		t.Fatalf("AcquireUsing: %v", err)
	}

	if string(value) != "fresh" {
		t.Fatalf("AcquireUsing created value %q, want \"fresh\"", value)
	}

	if ok, _ := e.ContainsKey("missing"); !ok {
		t.Fatalf("AcquireUsing(create=true) did not bind the key")
	}
}

func Test_AcquireUsing_Never_Invokes_The_DefaultValueProvider(t *testing.T) {
	t.Parallel()

	e := openTestEngine(t, offheapmap.WithDefaultValueProvider[string, []byte](constDefaultValueProvider{value: []byte("should-not-be-used")}))

	value, err := e.AcquireUsing("missing", []byte("reused"))
	if err != nil {
		t.Fatalf("AcquireUsing: %v", err)
	}

	if string(value) != "reused" {
		t.Fatalf("AcquireUsing used the DefaultValueProvider instead of reuse: got %q, want \"reused\"", value)
	}
}

func Test_AcquireUsing_Returns_Existing_Value_Without_Creating(t *testing.T) {
	t.Parallel()

	e := openTestEngine(t, offheapmap.WithValueFactory[string, []byte](constValueFactory{value: []byte("should-not-be-used")}))

	if _, _, err := e.Put("a", []byte("existing")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	value, err := e.AcquireUsing("a", nil)
	if err != nil {
		t.Fatalf("AcquireUsing: %v", err)
	}

	if string(value) != "existing" {
		t.Fatalf("AcquireUsing on present key = %q, want \"existing\"", value)
	}
}

func Test_AcquireUsing_Without_A_Factory_Falls_Back_To_The_Reused_Value(t *testing.T) {
	t.Parallel()

	e := openTestEngine(t)

	value, err := e.AcquireUsing("missing", []byte("caller-supplied"))
	if err != nil {
		t.Fatalf("AcquireUsing: %v", err)
	}

	if string(value) != "caller-supplied" {
		t.Fatalf("AcquireUsing fallback = %q, want \"caller-supplied\"", value)
	}

	if ok, _ := e.ContainsKey("missing"); !ok {
		t.Fatalf("AcquireUsing(create=true) did not bind the key")
	}
}

func Test_Operations_On_A_Closed_Engine_Return_ErrClosed(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.ohm")

	e, err := offheapmap.Open[string, []byte](path,
		offheapmap.WithKeyCodec[string, []byte](offheapmap.NewStringCodec()),
		offheapmap.WithValueCodec[string, []byte](offheapmap.NewBytesCodec()),
	)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := e.Close(); !errors.Is(err, offheapmap.ErrClosed) {
		t.Fatalf("second Close: got %v, want ErrClosed", err)
	}

	if _, _, err := e.Put("a", []byte("1")); !errors.Is(err, offheapmap.ErrClosed) {
		t.Fatalf("Put after Close: got %v, want ErrClosed", err)
	}

	if _, _, err := e.Get("a"); !errors.Is(err, offheapmap.ErrClosed) {
		t.Fatalf("Get after Close: got %v, want ErrClosed", err)
	}
}

func Test_CheckConsistency_Passes_After_A_Mixed_Workload(t *testing.T) {
	t.Parallel()

	e := openTestEngine(t)

	for i := 0; i < 50; i++ {
		key := string(rune('a' + i%26))
		if _, _, err := e.Put(key, []byte{byte(i)}); err != nil {
			t.Fatalf("Put: %v", err)
		}

		if i%3 == 0 {
			if _, _, err := e.Remove(key); err != nil {
				t.Fatalf("Remove: %v", err)
			}
		}
	}

	if err := e.CheckConsistency(); err != nil {
		t.Fatalf("CheckConsistency: %v", err)
	}
}

// Test_Persistence_Survives_Close_And_Reopen is spec's end-to-end
// persistence scenario: open, insert 100 entries, close, reopen with
// matching parameters, and confirm all 100 entries are present and
// iterable.
func Test_Persistence_Survives_Close_And_Reopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "persist.ohm")

	opts := []offheapmap.Option[string, []byte]{
		offheapmap.WithKeyCodec[string, []byte](offheapmap.NewStringCodec()),
		offheapmap.WithValueCodec[string, []byte](offheapmap.NewBytesCodec()),
		offheapmap.WithSegments[string, []byte](4),
		offheapmap.WithEntriesPerSegment[string, []byte](256),
		offheapmap.WithEntrySize[string, []byte](32),
		offheapmap.WithMaxOversize[string, []byte](16),
	}

	e, err := offheapmap.Open[string, []byte](path, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	want := make(map[string]string, 100)

	for i := 0; i < 100; i++ {
		key := "key-" + itoaForTest(i)
		value := "value-" + itoaForTest(i)
		want[key] = value

		if _, _, err := e.Put(key, []byte(value)); err != nil {
			t.Fatalf("Put(%s): %v", key, err)
		}
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := offheapmap.Open[string, []byte](path, opts...)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	defer func() { _ = reopened.Close() }()

	if got := reopened.Size(); got != uint64(len(want)) {
		t.Fatalf("Size after reopen = %d, want %d", got, len(want))
	}

	for key, value := range want {
		got, ok, err := reopened.Get(key)
		if err != nil {
			t.Fatalf("Get(%s) after reopen: %v", key, err)
		}

		if !ok || string(got) != value {
			t.Fatalf("Get(%s) after reopen = (%q, %v), want (%q, true)", key, got, ok, value)
		}
	}

	seen := make(map[string]bool, len(want))

	it := reopened.Iterator()
	for {
		entry, ok := it.Next()
		if !ok {
			break
		}

		seen[entry.Key] = true
	}

	if len(seen) != len(want) {
		t.Fatalf("iterator after reopen visited %d keys, want %d", len(seen), len(want))
	}

	if err := reopened.CheckConsistency(); err != nil {
		t.Fatalf("CheckConsistency after reopen: %v", err)
	}
}

func Test_Open_Rejects_A_Reopen_With_Mismatched_Layout_Parameters(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "incompatible.ohm")

	base := []offheapmap.Option[string, []byte]{
		offheapmap.WithKeyCodec[string, []byte](offheapmap.NewStringCodec()),
		offheapmap.WithValueCodec[string, []byte](offheapmap.NewBytesCodec()),
		offheapmap.WithSegments[string, []byte](4),
		offheapmap.WithEntriesPerSegment[string, []byte](256),
		offheapmap.WithEntrySize[string, []byte](32),
	}

	e, err := offheapmap.Open[string, []byte](path, base...)
	if err != nil {
		t.Fatalf("Open(base): %v", err)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mutated := append(append([]offheapmap.Option[string, []byte]{}, base...), offheapmap.WithEntrySize[string, []byte](64))

	_, err = offheapmap.Open[string, []byte](path, mutated...)
	if !errors.Is(err, offheapmap.ErrIncompatible) {
		t.Fatalf("Open with mismatched entry_size: got %v, want ErrIncompatible", err)
	}
}

func itoaForTest(n int) string {
	if n == 0 {
		return "0"
	}

	var buf [20]byte

	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}

	return string(buf[i:])
}
