package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doingodswork/streamfusion/pkg/addon"
	"github.com/doingodswork/streamfusion/pkg/debrid"
	"github.com/doingodswork/streamfusion/pkg/parser"
	"github.com/doingodswork/streamfusion/pkg/stream"
)

func testStream(typ stream.Type, size int64, resolution string, service debrid.ServiceID, cached bool) *stream.Stream {
	s := &stream.Stream{
		Type: typ,
		Size: size,
		File: &parser.File{
			Title:      "Some Movie",
			Resolution: resolution,
			Languages:  []string{"English"},
		},
	}
	if service != "" {
		s.Service = &stream.Service{ID: service, Cached: cached}
	}
	return s
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		expr string
		pos  int
	}{
		{expr: `type = "debrid`, pos: 7},
		{expr: `nosuchfield = 3`, pos: 0},
		{expr: `size < 8qb`, pos: 8},
		{expr: `(size < 8gb`, pos: 11},
		{expr: `count(streams, 3)`, pos: 0},
		{expr: `frobnicate(streams)`, pos: 0},
		{expr: `size <`, pos: 6},
		{expr: `filename matches "["`, pos: 17},
	} {
		_, err := Parse(tc.expr)
		require.Error(t, err, tc.expr)
		var perr *ParseError
		require.ErrorAs(t, err, &perr, tc.expr)
		assert.Equal(t, tc.pos, perr.Pos, tc.expr)
	}
}

// A mixed list filtered by `type = "debrid" and size < 8gb` keeps only the
// matching debrid streams, in input order.
func TestPredicateSelectsSubListInOrder(t *testing.T) {
	var streams []*stream.Stream
	var want []*stream.Stream
	for i := 0; i < 20; i++ {
		var s *stream.Stream
		switch i % 4 {
		case 0:
			s = testStream(stream.TypeDebrid, int64(i+1)*1<<30, "1080p", debrid.ServiceRealDebrid, true)
		case 1:
			s = testStream(stream.TypeP2P, 4<<30, "720p", "", false)
		case 2:
			s = testStream(stream.TypeDebrid, 10<<30, "2160p", debrid.ServiceAllDebrid, true)
		default:
			s = testStream(stream.TypeHTTP, 1<<30, "1080p", "", false)
		}
		streams = append(streams, s)
		if s.Type == stream.TypeDebrid && s.Size < 8<<30 {
			want = append(want, s)
		}
	}
	require.NotEmpty(t, want)

	expr, err := Parse(`type = "debrid" and size < 8gb`)
	require.NoError(t, err)
	require.True(t, expr.Predicate())

	got, err := expr.Select(streams)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestScalarExpressions(t *testing.T) {
	streams := []*stream.Stream{
		testStream(stream.TypeDebrid, 1<<30, "2160p", debrid.ServiceRealDebrid, true),
		testStream(stream.TypeDebrid, 2<<30, "1080p", debrid.ServiceRealDebrid, false),
		testStream(stream.TypeP2P, 3<<30, "1080p", "", false),
	}

	for _, tc := range []struct {
		expr string
		want bool
	}{
		{`count(streams) > 2`, true},
		{`count(cached(streams)) = 1`, true},
		{`count(uncached(streams)) = 2`, true},
		{`count(resolution(streams, "1080p")) = 2`, true},
		{`count(type(streams, "p2p")) = 1`, true},
		{`count(service(streams, "realdebrid")) = 2`, true},
		{`count(merge(cached(streams), uncached(streams))) = 3`, true},
		{`count(first(streams, 2)) = 2`, true},
		{`count(streams) = 0 or count(cached(streams)) > 0`, true},
		{`not (count(streams) = 3)`, false},
		{`true`, true},
	} {
		expr, err := Parse(tc.expr)
		require.NoError(t, err, tc.expr)
		require.False(t, expr.Predicate(), tc.expr)
		got, err := expr.Bool(streams)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}

func TestStringOperators(t *testing.T) {
	s := testStream(stream.TypeDebrid, 1<<30, "1080p", debrid.ServiceRealDebrid, true)
	s.Filename = "Some.Movie.2020.1080p.BluRay.x264-GROUP.mkv"
	streams := []*stream.Stream{s}

	for _, tc := range []struct {
		expr    string
		matches bool
	}{
		{`filename contains "bluray"`, true},
		{`filename matches "(?i)x26[45]"`, true},
		{`filename matches "^Z"`, false},
		{`"english" in languages`, true},
		{`"french" in languages`, false},
		{`languages contains "English"`, true},
		{`resolution = "1080P"`, true},
		{`resolution != "720p"`, true},
		{`title contains "movie"`, true},
	} {
		expr, err := Parse(tc.expr)
		require.NoError(t, err, tc.expr)
		got, err := expr.Select(streams)
		require.NoError(t, err, tc.expr)
		if tc.matches {
			assert.Len(t, got, 1, tc.expr)
		} else {
			assert.Empty(t, got, tc.expr)
		}
	}
}

func TestUnknownAttributeComparesAsUnknown(t *testing.T) {
	s := testStream(stream.TypeP2P, 1<<30, "", "", false)
	expr, err := Parse(`resolution = "unknown"`)
	require.NoError(t, err)
	got, err := expr.Select([]*stream.Stream{s})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestGroupFunction(t *testing.T) {
	first := testStream(stream.TypeP2P, 1<<30, "1080p", "", false)
	second := testStream(stream.TypeP2P, 2<<30, "1080p", "", false)
	second.Group = 1
	expr, err := Parse(`count(group(streams, 1)) = 1`)
	require.NoError(t, err)
	ok, err := expr.Bool([]*stream.Stream{first, second})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAddonFunctionMatchesNameAndInstanceID(t *testing.T) {
	s := testStream(stream.TypeP2P, 1<<30, "1080p", "", false)
	s.Addon = &addon.Descriptor{InstanceID: "torrentio-1", DisplayName: "Torrentio"}
	for _, src := range []string{
		`count(addon(streams, "Torrentio")) = 1`,
		`count(addon(streams, "torrentio-1")) = 1`,
	} {
		expr, err := Parse(src)
		require.NoError(t, err, src)
		ok, err := expr.Bool([]*stream.Stream{s})
		require.NoError(t, err, src)
		assert.True(t, ok, src)
	}
}

func TestTypeErrors(t *testing.T) {
	streams := []*stream.Stream{testStream(stream.TypeDebrid, 1<<30, "1080p", debrid.ServiceRealDebrid, true)}

	expr, err := Parse(`size contains "x"`)
	require.NoError(t, err)
	_, err = expr.Evaluate(streams)
	var terr *TypeError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "size", terr.Expr)
	assert.Equal(t, KindNumber, terr.Got)

	expr, err = Parse(`resolution < 3`)
	require.NoError(t, err)
	_, err = expr.Evaluate(streams)
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, KindString, terr.Got)
	assert.Equal(t, KindNumber, terr.Want)
}

func TestValidateCondition(t *testing.T) {
	require.NoError(t, ValidateCondition(`count(streams) > 5`))
	require.NoError(t, ValidateCondition(`true`))

	// A predicate is not a condition
	err := ValidateCondition(`type = "debrid"`)
	var terr *TypeError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, KindStreams, terr.Got)
	assert.Equal(t, KindBool, terr.Want)

	// Neither is a bare number
	err = ValidateCondition(`count(streams)`)
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, KindNumber, terr.Got)

	var perr *ParseError
	require.ErrorAs(t, ValidateCondition(`count(streams`), &perr)
}

func TestValidateSelector(t *testing.T) {
	require.NoError(t, ValidateSelector(`type = "debrid" and size < 8gb`))
	require.NoError(t, ValidateSelector(`streams`))
	require.NoError(t, ValidateSelector(`first(cached(streams), 5)`))

	err := ValidateSelector(`count(streams) > 5`)
	var terr *TypeError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, KindBool, terr.Got)
	assert.Equal(t, KindStreams, terr.Want)
}

func TestSizeSuffixes(t *testing.T) {
	for _, tc := range []struct {
		expr string
		want float64
	}{
		{`8gb`, 8 << 30},
		{`100mb`, 100 << 20},
		{`2tb`, 2 << 40},
		{`512kb`, 512 << 10},
		{`1.5gb`, 1.5 * (1 << 30)},
	} {
		expr, err := Parse(tc.expr)
		require.NoError(t, err, tc.expr)
		v, err := expr.Evaluate(nil)
		require.NoError(t, err, tc.expr)
		require.Equal(t, KindNumber, v.Kind, tc.expr)
		assert.Equal(t, tc.want, v.Num, tc.expr)
	}
}

func TestNegativeNumbers(t *testing.T) {
	expr, err := Parse(`count(streams) > -1`)
	require.NoError(t, err)
	ok, err := expr.Bool(nil)
	require.NoError(t, err)
	require.True(t, ok)
}
