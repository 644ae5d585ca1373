package vaultbox

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var compositeModes = []ModePreference{PreferAEAD, PreferStreaming}

func openTestContainer(t *testing.T, e *Engine, content testContent, mode ModePreference) *Composite {
	t.Helper()
	data, _ := createContainer(t, e, content.request("pw", mode))
	c, err := e.Open(bytes.NewReader(data), []byte("pw"))
	require.NoError(t, err)
	return c
}

func fullContent() testContent {
	return testContent{
		file:  bytes.Repeat([]byte("file-"), 1000),
		thumb: bytes.Repeat([]byte{0xD8}, 1500),
		note:  []byte("remember the milk"),
		name:  "list.txt",
	}
}

func TestComposite_Metadata(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	c := openTestContainer(t, e, fullContent(), PreferAEAD)
	defer c.Close()

	meta := c.Metadata()
	assert.Equal(t, "list.txt", meta.OriginalName)
	assert.Equal(t, 1, meta.FileType)
	assert.Equal(t, SectionPresence{File: true, Thumbnail: true, Note: true}, meta.Sections)
	assert.Equal(t, CurrentVersion, c.Header().Version)
	assert.Equal(t, KDFPBKDF2, c.KDF())

	c2 := openTestContainer(t, e, testContent{file: []byte("x")}, PreferStreaming)
	defer c2.Close()
	assert.Equal(t, SectionPresence{File: true}, c2.Metadata().Sections)
	assert.Equal(t, StreamingMode{}, c2.Mode())
}

func TestComposite_NoteBeforeFile(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	content := fullContent()

	for _, mode := range compositeModes {
		c := openTestContainer(t, e, content, mode)

		note, ok, err := c.Note()
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "remember the milk", note)

		// The thumbnail was passed over and cached.
		thumb, ok, err := c.Thumbnail()
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, content.thumb, thumb)

		// The file was skipped.
		size, err := c.FileSize()
		require.NoError(t, err)
		assert.Equal(t, int64(len(content.file)), size)
		_, err = c.FileStream(FileStreaming)
		assert.ErrorIs(t, err, ErrSectionConsumed)
		_, err = c.FileStream(FileBuffered)
		assert.ErrorIs(t, err, ErrSectionConsumed)

		require.NoError(t, c.Close())
	}
}

func TestComposite_PresenceQueries(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	tests := []struct {
		name      string
		content   testContent
		wantThumb bool
		wantNote  bool
	}{
		{"file only", testContent{file: []byte("f")}, false, false},
		{"thumbnail only", testContent{file: []byte("f"), thumb: []byte("t")}, true, false},
		{"note only", testContent{file: []byte("f"), note: []byte("n")}, false, true},
		{"empty note", testContent{file: []byte("f"), note: []byte{}}, false, true},
		{"everything", fullContent(), true, true},
	}

	for _, tt := range tests {
		for _, mode := range compositeModes {
			t.Run(tt.name, func(t *testing.T) {
				c := openTestContainer(t, e, tt.content, mode)
				defer c.Close()

				// Ask in reverse order, repeatedly.
				for i := 0; i < 2; i++ {
					hasNote, err := c.HasNote()
					require.NoError(t, err)
					assert.Equal(t, tt.wantNote, hasNote)

					hasThumb, err := c.HasThumbnail()
					require.NoError(t, err)
					assert.Equal(t, tt.wantThumb, hasThumb)
				}

				note, ok, err := c.Note()
				require.NoError(t, err)
				assert.Equal(t, tt.wantNote, ok)
				assert.Equal(t, string(tt.content.note), note)

				thumb, ok, err := c.Thumbnail()
				require.NoError(t, err)
				assert.Equal(t, tt.wantThumb, ok)
				if !ok {
					assert.Nil(t, thumb)
				}
			})
		}
	}
}

func TestComposite_FileBuffered(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	content := fullContent()

	for _, mode := range compositeModes {
		c := openTestContainer(t, e, content, mode)

		for i := 0; i < 3; i++ {
			fs, err := c.FileStream(FileBuffered)
			require.NoError(t, err)
			got, err := io.ReadAll(fs)
			require.NoError(t, err)
			assert.Equal(t, content.file, got)

			// Later sections stay reachable.
			_, ok, err := c.Thumbnail()
			require.NoError(t, err)
			assert.True(t, ok)
		}

		// A buffered file can also be handed out after the fact.
		fs, err := c.FileStream(FileStreaming)
		require.NoError(t, err)
		got, err := io.ReadAll(fs)
		require.NoError(t, err)
		assert.Equal(t, content.file, got)

		require.NoError(t, c.verifyEnd())
		require.NoError(t, c.Close())
	}
}

func TestComposite_FileStreaming(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	content := fullContent()

	for _, mode := range compositeModes {
		c := openTestContainer(t, e, content, mode)

		fs, err := c.FileStream(FileStreaming)
		require.NoError(t, err)
		got, err := io.ReadAll(fs)
		require.NoError(t, err)
		assert.Equal(t, content.file, got)

		_, err = c.FileStream(FileStreaming)
		assert.ErrorIs(t, err, ErrSectionConsumed, "stream can be obtained once")

		note, _, err := c.Note()
		require.NoError(t, err)
		assert.Equal(t, "remember the milk", note)
		require.NoError(t, c.Close())
	}
}

func TestComposite_StreamInvalidatedByLaterSection(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	content := fullContent()

	for _, mode := range compositeModes {
		c := openTestContainer(t, e, content, mode)

		fs, err := c.FileStream(FileStreaming)
		require.NoError(t, err)
		head := make([]byte, 100)
		_, err = io.ReadFull(fs, head)
		require.NoError(t, err)
		assert.Equal(t, content.file[:100], head)

		// Moving on skips the rest of the file.
		thumb, ok, err := c.Thumbnail()
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, content.thumb, thumb)

		_, err = fs.Read(head)
		assert.ErrorIs(t, err, ErrSectionConsumed)
		require.NoError(t, c.Close())
	}
}

func TestComposite_Close(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	content := fullContent()

	for _, mode := range compositeModes {
		c := openTestContainer(t, e, content, mode)

		thumb, _, err := c.Thumbnail()
		require.NoError(t, err)
		fs, err := c.FileStream(FileStreaming)
		assert.ErrorIs(t, err, ErrSectionConsumed)
		assert.Nil(t, fs)
		assert.NotZero(t, e.Registry().Live())

		require.NoError(t, c.Close())
		assert.Equal(t, make([]byte, len(thumb)), thumb, "thumbnail not wiped")
		assert.Zero(t, e.Registry().Live())

		_, err = c.HasNote()
		assert.ErrorIs(t, err, ErrClosed)
		_, _, err = c.Note()
		assert.ErrorIs(t, err, ErrClosed)
		assert.NoError(t, c.Close(), "Close is idempotent")
	}
}

func TestComposite_StreamAfterClose(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	c := openTestContainer(t, e, fullContent(), PreferStreaming)

	fs, err := c.FileStream(FileStreaming)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = fs.Read(make([]byte, 10))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestComposite_InvalidNote(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	c := openTestContainer(t, e, testContent{file: []byte("f"), note: []byte{0xFF, 0xFE}}, PreferAEAD)
	defer c.Close()

	_, ok, err := c.Note()
	assert.False(t, ok)
	assert.True(t, IsCorruptionError(err))
}

func TestComposite_UnknownFileMode(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	c := openTestContainer(t, e, testContent{file: []byte("f")}, PreferAEAD)
	defer c.Close()

	_, err := c.FileStream(FileMode(7))
	assert.True(t, IsValidationError(err))
}

func TestComposite_WipedWhileOpen(t *testing.T) {
	content := fullContent()

	for _, mode := range compositeModes {
		t.Run(modeName(mode)+"/streaming", func(t *testing.T) {
			e, _ := newTestEngine(t, nil)
			c := openTestContainer(t, e, content, mode)
			defer c.Close()

			fs, err := c.FileStream(FileStreaming)
			require.NoError(t, err)
			buf := make([]byte, 10)
			_, err = io.ReadFull(fs, buf)
			require.NoError(t, err)
			assert.Equal(t, content.file[:10], buf)

			e.Registry().WipeAll()

			n, err := fs.Read(buf)
			assert.Zero(t, n)
			assert.ErrorIs(t, err, ErrClosed)
		})

		t.Run(modeName(mode)+"/buffered", func(t *testing.T) {
			e, _ := newTestEngine(t, nil)
			c := openTestContainer(t, e, content, mode)
			defer c.Close()

			fs, err := c.FileStream(FileBuffered)
			require.NoError(t, err)

			e.Registry().WipeAll()

			n, err := fs.Read(make([]byte, 10))
			assert.Zero(t, n)
			assert.ErrorIs(t, err, ErrClosed)
		})

		t.Run(modeName(mode)+"/cached note", func(t *testing.T) {
			e, _ := newTestEngine(t, nil)
			c := openTestContainer(t, e, content, mode)
			defer c.Close()

			_, ok, err := c.Note()
			require.NoError(t, err)
			require.True(t, ok)

			e.Registry().WipeAll()

			note, ok, err := c.Note()
			assert.ErrorIs(t, err, ErrClosed)
			assert.False(t, ok)
			assert.Empty(t, note)
		})
	}
}
