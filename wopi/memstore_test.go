package wopi_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ttab/elephantine/test"
	"github.com/wopihost/wopihost/wopi"
)

func TestMemDocStore_Lifecycle(t *testing.T) {
	store := wopi.NewMemDocStore()
	ctx := t.Context()

	doc, err := store.Create(ctx,
		"budget.xlsx", []byte("v1"), "alice")
	test.Must(t, err, "create a document")

	test.Equal(t, "budget.xlsx", doc.Name, "document name")
	test.Equal(t, "alice", doc.Owner, "document owner")
	test.Equal(t, "1", doc.Version, "initial version")
	test.Equal(t, int64(2), doc.Size, "document size")

	got, err := store.Get(ctx, doc.ID)
	test.Must(t, err, "get the document")
	test.Equal(t, string(doc.Content), string(got.Content),
		"content roundtrip")

	updated, err := store.Put(ctx, doc.ID, []byte("version two"))
	test.Must(t, err, "overwrite the content")
	test.Equal(t, "2", updated.Version, "version after write")
	test.Equal(t, int64(11), updated.Size, "size after write")

	renamed, err := store.Rename(ctx, doc.ID, "forecast.xlsx")
	test.Must(t, err, "rename the document")
	test.Equal(t, "forecast.xlsx", renamed.Name, "new name")
	test.Equal(t, "3", renamed.Version, "version after rename")
	test.Equal(t, "version two", string(renamed.Content),
		"rename preserves content")
}

func TestMemDocStore_Errors(t *testing.T) {
	store := wopi.NewMemDocStore()
	ctx := t.Context()

	_, err := store.Get(ctx, "missing")
	test.Equal(t, true,
		wopi.IsDocStoreErrorCode(err, wopi.ErrCodeNotFound),
		"get of an unknown document is a not found error")

	_, err = store.Put(ctx, "missing", []byte("data"))
	test.Equal(t, true,
		wopi.IsDocStoreErrorCode(err, wopi.ErrCodeNotFound),
		"put to an unknown document is a not found error")

	_, err = store.Create(ctx, "", []byte("data"), "alice")
	test.Equal(t, true,
		wopi.IsDocStoreErrorCode(err, wopi.ErrCodeBadRequest),
		"create without a name is a bad request")

	doc, err := store.Create(ctx, "notes.txt", nil, "alice")
	test.Must(t, err, "create a document")

	_, err = store.Rename(ctx, doc.ID, "")
	test.Equal(t, true,
		wopi.IsDocStoreErrorCode(err, wopi.ErrCodeBadRequest),
		"rename to an empty name is a bad request")
}

func TestMemDocStore_SeedDirectory(t *testing.T) {
	dir := t.TempDir()

	err := os.WriteFile(
		filepath.Join(dir, "a.docx"), []byte("doc a"), 0o600)
	test.Must(t, err, "write seed file")

	err = os.WriteFile(
		filepath.Join(dir, "b.odt"), []byte("doc b"), 0o600)
	test.Must(t, err, "write seed file")

	err = os.Mkdir(filepath.Join(dir, "subdir"), 0o700)
	test.Must(t, err, "create subdirectory")

	store := wopi.NewMemDocStore()

	docs, err := store.SeedDirectory(t.Context(), dir, "seeder")
	test.Must(t, err, "seed the store")

	test.Equal(t, 2, len(docs), "directories are skipped")

	for _, doc := range docs {
		got, err := store.Get(t.Context(), doc.ID)
		test.Must(t, err, "get seeded document %s", doc.Name)

		test.Equal(t, "seeder", got.Owner, "seeded owner")
	}
}
