package debrid

import (
	"sort"
	"strings"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"

	"github.com/doingodswork/streamfusion/pkg/parser"
)

// Metadata describes the content a playback request is for. File picking
// matches a job's file list against it, because multi-file torrents (season
// packs most of all) contain many episodes and we must serve the right one.
type Metadata struct {
	Titles          []string
	Year            int
	Season          int
	Episode         int
	AbsoluteEpisode int
}

// partialRatio is 0-100; 80 corresponds to the 0.8 title match bar.
const titleMatchRatio = 80

// pickFile chooses the file to play from a job's list. Candidates are
// scored and the best one wins:
//
//	+1000 video file extension
//	 +500 season/episode match
//	 +500 year match
//	 +100 fuzzy title match
//	  +50 at most, proportional to file size relative to the largest file
//	  +25 the requested file index
//	  +25 the requested filename appears in the job title
//
// Ties break toward the earliest index. A winner whose parsed episode
// contradicts the requested one is rejected: playing the wrong episode is
// worse than playing nothing.
func pickFile(job *Job, fi FileInfo, meta Metadata, filename string) (File, error) {
	if len(job.Files) == 0 {
		return File{}, &Error{Code: CodeNoMatchingFile, Msg: "job has no files"}
	}

	files := make([]File, len(job.Files))
	copy(files, job.Files)
	sort.SliceStable(files, func(i, j int) bool { return files[i].Index < files[j].Index })

	var maxSize int64
	for _, f := range files {
		if f.Size > maxSize {
			maxSize = f.Size
		}
	}

	var best File
	bestScore := -1.0
	for _, f := range files {
		score := scoreFile(f, job, fi, meta, filename, maxSize)
		if score > bestScore {
			best, bestScore = f, score
		}
	}

	if parsed := parser.Parse(best.Name); episodeMismatch(parsed, meta) {
		return File{}, &Error{Code: CodeNoMatchingFile, Msg: "best file doesn't match the requested episode"}
	}
	return best, nil
}

func scoreFile(f File, job *Job, fi FileInfo, meta Metadata, filename string, maxSize int64) float64 {
	var score float64
	if parser.IsVideoFile(f.Name) {
		score += 1000
	}

	parsed := parser.Parse(f.Name)
	if parsed != nil {
		if episodeMatch(parsed, meta) {
			score += 500
		}
		if meta.Year > 0 && parsed.Year == meta.Year {
			score += 500
		}
		if titleMatch(parsed.Title, meta.Titles) {
			score += 100
		}
	}

	if maxSize > 0 {
		score += float64(f.Size) / float64(maxSize) * 50
	}
	if f.Index == fi.Index {
		score += 25
	}
	if filename != "" && containsNormalized(job.Name, filename) {
		score += 25
	}
	return score
}

func titleMatch(title string, wanted []string) bool {
	normalized := parser.NormalizeTitle(title)
	if normalized == "" {
		return false
	}
	for _, w := range wanted {
		if nw := parser.NormalizeTitle(w); nw != "" && fuzzy.PartialRatio(normalized, nw) >= titleMatchRatio {
			return true
		}
	}
	return false
}

// episodeMatch reports whether a parsed file matches the requested episode
// numbering, either season+episode or the absolute scheme anime releases
// commonly use.
func episodeMatch(f *parser.File, meta Metadata) bool {
	if f == nil || (meta.Season == 0 && meta.Episode == 0 && meta.AbsoluteEpisode == 0) {
		return false
	}
	if meta.Episode > 0 && f.Episode == meta.Episode {
		if f.Season == meta.Season || (f.Season == 0 && meta.Season <= 1) || seasonInPack(f.Seasons, meta.Season) {
			return true
		}
	}
	if meta.AbsoluteEpisode > 0 {
		if f.AbsoluteEpisode == meta.AbsoluteEpisode {
			return true
		}
		if f.Season == 0 && f.Episode == meta.AbsoluteEpisode {
			return true
		}
	}
	return false
}

// episodeMismatch is stricter than !episodeMatch: the file must parse to an
// episode that contradicts the request. Files without detectable numbering
// (single-file releases) are not mismatches.
func episodeMismatch(f *parser.File, meta Metadata) bool {
	if f == nil || meta.Episode == 0 || f.Episode == 0 {
		return false
	}
	return !episodeMatch(f, meta)
}

func seasonInPack(seasons []int, season int) bool {
	for _, s := range seasons {
		if s == season {
			return true
		}
	}
	return false
}

func containsNormalized(haystack, needle string) bool {
	h := parser.NormalizeTitle(haystack)
	n := parser.NormalizeTitle(needle)
	return h != "" && n != "" && strings.Contains(h, n)
}
