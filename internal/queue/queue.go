package queue

import (
	"math/rand"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"musicstart/internal/track"
)

// Queue is the per-guild playlist: an ordered track list plus a single
// cursor marking the current track. Every index-taking method accepts any
// integer and wraps it into range, so -1 addresses the last track and
// len(items) wraps back to 0. The cursor stays inside [0, len) whenever
// the queue is non-empty; on an empty queue it is held at 0 and Current
// returns nil.
type Queue struct {
	mu        sync.Mutex
	items     []*track.Track
	pos       int
	lastQuery string
}

func New() *Queue {
	return &Queue{}
}

// normalize maps an arbitrary integer into [0, n). Callers must hold q.mu
// and guarantee the queue is non-empty.
func (q *Queue) normalize(i int) int {
	n := len(q.items)
	i %= n
	if i < 0 {
		i += n
	}
	return i
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) IsEmpty() bool {
	return q.Len() == 0
}

// Add appends to the end of the queue; the cursor does not move.
func (q *Queue) Add(t *track.Track) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, t)
}

// Current returns the track under the cursor, or nil when the queue is
// empty.
func (q *Queue) Current() *track.Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[q.pos]
}

// Index returns the cursor position.
func (q *Queue) Index() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pos
}

// Jump moves the cursor to the wrapped index. No-op on an empty queue.
func (q *Queue) Jump(i int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return
	}
	q.pos = q.normalize(i)
}

// Advance moves the cursor by delta, wrapping at both ends.
func (q *Queue) Advance(delta int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return
	}
	q.pos = q.normalize(q.pos + delta)
}

// Remove deletes the track at the wrapped index i. The track under the
// cursor cannot be removed while it is streaming: when i lands on the
// cursor and nowPlaying is true, Remove refuses and returns false with
// no mutation. Otherwise the cursor is shifted so it keeps pointing at
// the same track.
func (q *Queue) Remove(i int, nowPlaying bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return false
	}
	i = q.normalize(i)
	if i == q.pos && nowPlaying {
		return false
	}
	if i <= q.pos && q.pos > 0 {
		q.pos--
	}
	q.items = append(q.items[:i], q.items[i+1:]...)
	return true
}

// Swap exchanges the tracks at the two wrapped indices. The cursor
// follows content: if it pointed at one of them, it points at that same
// track afterwards. Returns false when the queue is empty or both
// indices normalize to the same slot.
func (q *Queue) Swap(i, j int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return false
	}
	i, j = q.normalize(i), q.normalize(j)
	if i == j {
		return false
	}
	q.items[i], q.items[j] = q.items[j], q.items[i]
	switch q.pos {
	case i:
		q.pos = j
	case j:
		q.pos = i
	}
	return true
}

// RemoveDuplicates keeps the first occurrence of each URL in first-seen
// order and drops the rest. The cursor is relocated to the first
// occurrence of the URL that was current before the pass. Returns the
// number of tracks dropped.
func (q *Queue) RemoveDuplicates() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return 0
	}
	curURL := q.items[q.pos].URL

	seen := make(map[string]struct{}, len(q.items))
	kept := q.items[:0]
	for _, t := range q.items {
		if _, dup := seen[t.URL]; dup {
			continue
		}
		seen[t.URL] = struct{}{}
		kept = append(kept, t)
	}
	removed := len(q.items) - len(kept)
	q.items = kept

	q.pos = 0
	for i, t := range q.items {
		if t.URL == curURL {
			q.pos = i
			break
		}
	}
	return removed
}

// RemoveAll empties the queue and resets the cursor.
func (q *Queue) RemoveAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.pos = 0
}

// Sort orders the queue by title using locale-aware collation for the
// given BCP 47 tag ("en", "zh-TW", ...). The sort is stable and the
// cursor follows the track it pointed at.
func (q *Queue) Sort(locale string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return
	}
	cur := q.items[q.pos]
	c := collate.New(language.Make(locale))
	sort.SliceStable(q.items, func(i, j int) bool {
		return c.CompareString(q.items[i].Title, q.items[j].Title) < 0
	})
	q.relocate(cur)
}

// Shuffle permutes the whole queue (Fisher-Yates) and relocates the
// cursor onto the track that was current before shuffling.
func (q *Queue) Shuffle() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return
	}
	cur := q.items[q.pos]
	rand.Shuffle(len(q.items), func(i, j int) {
		q.items[i], q.items[j] = q.items[j], q.items[i]
	})
	q.relocate(cur)
}

// relocate points the cursor at the given track instance. Caller holds
// q.mu and the track is known to be present.
func (q *Queue) relocate(cur *track.Track) {
	for i, t := range q.items {
		if t == cur {
			q.pos = i
			return
		}
	}
	q.pos = 0
}

// Search matches titles against the pattern and returns the matching
// indices in list order. A non-empty pattern becomes the stored query;
// an empty pattern reuses the last one. The pattern is tried as a
// case-insensitive regular expression, falling back to a plain substring
// match when it does not compile. Returns nil when no query was ever
// set.
func (q *Queue) Search(pattern string) []int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if pattern != "" {
		q.lastQuery = pattern
	}
	if q.lastQuery == "" {
		return nil
	}

	match := substringMatcher(q.lastQuery)
	if re, err := regexp.Compile("(?i)" + q.lastQuery); err == nil {
		match = re.MatchString
	}

	var out []int
	for i, t := range q.items {
		if match(t.Title) {
			out = append(out, i)
		}
	}
	return out
}

func substringMatcher(query string) func(string) bool {
	query = strings.ToLower(query)
	return func(title string) bool {
		return strings.Contains(strings.ToLower(title), query)
	}
}

// Tracks returns a snapshot copy of the list in playback order.
func (q *Queue) Tracks() []*track.Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*track.Track, len(q.items))
	copy(out, q.items)
	return out
}

// Entry is one row of a rendered queue page.
type Entry struct {
	Index   int
	Title   string
	Current bool
}

// PageCount reports how many pages of the given size the queue spans.
func (q *Queue) PageCount(pageSize int) int {
	if pageSize <= 0 {
		pageSize = 1
	}
	n := q.Len()
	return (n + pageSize - 1) / pageSize
}

// NormalizePage wraps an arbitrary page number into [0, pageCount),
// following the same convention as track indices. Defined only for
// pageCount > 0.
func NormalizePage(page, pageCount int) int {
	page %= pageCount
	if page < 0 {
		page += pageCount
	}
	return page
}

// Page renders one page of the queue for display. The page number wraps
// like every other index.
func (q *Queue) Page(page, pageSize int) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	if pageSize <= 0 {
		pageSize = 1
	}
	pages := (len(q.items) + pageSize - 1) / pageSize
	page = NormalizePage(page, pages)

	begin := page * pageSize
	end := begin + pageSize
	if end > len(q.items) {
		end = len(q.items)
	}
	out := make([]Entry, 0, end-begin)
	for i := begin; i < end; i++ {
		out = append(out, Entry{Index: i, Title: q.items[i].Title, Current: i == q.pos})
	}
	return out
}
