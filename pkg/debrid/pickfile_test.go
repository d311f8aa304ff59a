package debrid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPickFileSeasonPack(t *testing.T) {
	job := &Job{
		Name: "Some.Show.S01.1080p.WEB-DL.x264-GRP",
		Files: []File{
			{ID: "1", Index: 0, Name: "Some.Show.S01E01.1080p.mkv", Size: 1000},
			{ID: "2", Index: 1, Name: "Some.Show.S01E02.1080p.mkv", Size: 1000},
			{ID: "3", Index: 2, Name: "Some.Show.S01E03.1080p.mkv", Size: 1000},
		},
	}
	meta := Metadata{Titles: []string{"Some Show"}, Season: 1, Episode: 2}

	file, err := pickFile(job, FileInfo{Type: FileTypeTorrent, Hash: "a", Index: 1}, meta, "")
	require.NoError(t, err)
	assert.Equal(t, "2", file.ID)
}

func TestPickFilePrefersVideoOverLargerExtra(t *testing.T) {
	job := &Job{
		Name: "Some.Movie.2023.1080p",
		Files: []File{
			{ID: "1", Index: 0, Name: "extras.iso", Size: 9000},
			{ID: "2", Index: 1, Name: "Some.Movie.2023.1080p.mkv", Size: 3000},
		},
	}
	meta := Metadata{Titles: []string{"Some Movie"}, Year: 2023}

	file, err := pickFile(job, FileInfo{Type: FileTypeTorrent, Hash: "a", Index: 5}, meta, "")
	require.NoError(t, err)
	assert.Equal(t, "2", file.ID)
}

func TestPickFileYearMatch(t *testing.T) {
	job := &Job{
		Files: []File{
			{ID: "1", Index: 0, Name: "Some.Movie.1998.1080p.mkv", Size: 1000},
			{ID: "2", Index: 1, Name: "Some.Movie.2023.1080p.mkv", Size: 1000},
		},
	}
	meta := Metadata{Titles: []string{"Some Movie"}, Year: 2023}

	file, err := pickFile(job, FileInfo{Type: FileTypeTorrent, Hash: "a", Index: 5}, meta, "")
	require.NoError(t, err)
	assert.Equal(t, "2", file.ID)
}

func TestPickFileSizeBreaksEqualMatches(t *testing.T) {
	job := &Job{
		Files: []File{
			{ID: "small", Index: 0, Name: "Some.Movie.2023.720p.mkv", Size: 1000},
			{ID: "big", Index: 1, Name: "Some.Movie.2023.1080p.mkv", Size: 4000},
		},
	}
	meta := Metadata{Titles: []string{"Some Movie"}, Year: 2023}

	file, err := pickFile(job, FileInfo{Type: FileTypeTorrent, Hash: "a", Index: 5}, meta, "")
	require.NoError(t, err)
	assert.Equal(t, "big", file.ID)
}

func TestPickFileChosenIndexBonus(t *testing.T) {
	job := &Job{
		Files: []File{
			{ID: "1", Index: 0, Name: "Episode.mkv", Size: 1000},
			{ID: "2", Index: 1, Name: "Episode.mkv", Size: 1000},
		},
	}

	file, err := pickFile(job, FileInfo{Type: FileTypeTorrent, Hash: "a", Index: 1}, Metadata{}, "")
	require.NoError(t, err)
	assert.Equal(t, "2", file.ID)
}

func TestPickFileTieBreaksToEarliestIndex(t *testing.T) {
	job := &Job{
		Files: []File{
			{ID: "2", Index: 1, Name: "Episode.mkv", Size: 1000},
			{ID: "1", Index: 0, Name: "Episode.mkv", Size: 1000},
		},
	}

	// Index 5 matches neither file, so the scores tie.
	file, err := pickFile(job, FileInfo{Type: FileTypeTorrent, Hash: "a", Index: 5}, Metadata{}, "")
	require.NoError(t, err)
	assert.Equal(t, "1", file.ID)
}

func TestPickFileEpisodeMismatchRejected(t *testing.T) {
	job := &Job{
		Files: []File{
			{ID: "1", Index: 0, Name: "Some.Show.S01E05.1080p.mkv", Size: 1000},
		},
	}
	meta := Metadata{Titles: []string{"Some Show"}, Season: 1, Episode: 2}

	_, err := pickFile(job, FileInfo{Type: FileTypeTorrent, Hash: "a", Index: 0}, meta, "")
	require.Error(t, err)
	code, ok := CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, CodeNoMatchingFile, code)
}

func TestPickFileAbsoluteEpisode(t *testing.T) {
	job := &Job{
		Files: []File{
			{ID: "1", Index: 0, Name: "[Group] Some Anime - 1023 (1080p).mkv", Size: 1000},
			{ID: "2", Index: 1, Name: "[Group] Some Anime - 1024 (1080p).mkv", Size: 1000},
		},
	}
	meta := Metadata{Titles: []string{"Some Anime"}, Season: 21, Episode: 4, AbsoluteEpisode: 1024}

	file, err := pickFile(job, FileInfo{Type: FileTypeTorrent, Hash: "a", Index: 9}, meta, "")
	require.NoError(t, err)
	assert.Equal(t, "2", file.ID)
}

func TestPickFileEmptyJob(t *testing.T) {
	_, err := pickFile(&Job{}, FileInfo{}, Metadata{}, "")
	require.Error(t, err)
	code, ok := CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, CodeNoMatchingFile, code)
}

func TestScoreFileFilenameInJobTitle(t *testing.T) {
	job := &Job{Name: "Some.Movie.2023.1080p.BluRay", Files: []File{{Index: 0, Name: "Some.Movie.2023.1080p.mkv", Size: 100}}}
	f := job.Files[0]

	with := scoreFile(f, job, FileInfo{Index: 0}, Metadata{}, "Some Movie 2023", 100)
	without := scoreFile(f, job, FileInfo{Index: 0}, Metadata{}, "Another Name Entirely", 100)
	assert.Equal(t, 25.0, with-without)
}
