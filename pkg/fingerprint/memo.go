package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// racyWindow keeps recently modified files out of the memo. A file written
// twice within the filesystem's timestamp granularity can keep its size and
// mtime, so only files older than this are trusted by stat alone.
const racyWindow = 2 * time.Second

type fileKey struct {
	path  string
	size  int64
	mtime int64
	inode uint64
}

// fileHasher hashes file contents, memoizing by stat identity
type fileHasher struct {
	memo *lru.Cache[fileKey, string]
	now  func() time.Time
}

func newFileHasher(size int) (*fileHasher, error) {
	fh := &fileHasher{now: time.Now}
	if size > 0 {
		memo, err := lru.New[fileKey, string](size)
		if err != nil {
			return nil, err
		}
		fh.memo = memo
	}
	return fh, nil
}

func (fh *fileHasher) hash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	key := fileKey{
		path:  path,
		size:  info.Size(),
		mtime: info.ModTime().UnixNano(),
		inode: inodeOf(info),
	}
	cacheable := fh.memo != nil && fh.now().Sub(info.ModTime()) > racyWindow
	if cacheable {
		if h, ok := fh.memo.Get(key); ok {
			return h, nil
		}
	}

	sum := sha256.New()
	if _, err := io.Copy(sum, f); err != nil {
		return "", err
	}
	h := hex.EncodeToString(sum.Sum(nil))

	if cacheable {
		fh.memo.Add(key, h)
	}
	return h, nil
}
