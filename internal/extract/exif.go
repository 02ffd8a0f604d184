package extract

import (
	"os"
	"strings"

	"github.com/AvengeMedia/dankindex/internal/log"
	"github.com/pkg/xattr"
	"github.com/rwcarlsen/goexif/exif"
)

// XattrTagsKey is where desktop environments store user-assigned file tags.
const XattrTagsKey = "user.xdg.tags"

// readExif pulls camera metadata out of JPEG/TIFF files. Failures are
// expected for images without EXIF data and only logged at debug level.
func readExif(path string, res *Result) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		log.Debugf("no exif data in %s: %v", path, err)
		return
	}

	if t, err := x.DateTime(); err == nil {
		res.Metadata["exif_date"] = t.Format("2006-01-02T15:04:05Z07:00")
	}
	if make, err := x.Get(exif.Make); err == nil {
		if s, err := make.StringVal(); err == nil {
			res.Metadata["camera_make"] = s
			res.Tags = append(res.Tags, strings.ToLower(strings.TrimSpace(s)))
		}
	}
	if model, err := x.Get(exif.Model); err == nil {
		if s, err := model.StringVal(); err == nil {
			res.Metadata["camera_model"] = s
		}
	}
}

// readXattrTags reads comma-separated user tags from the file's extended
// attributes. Absent attributes are not an error.
func readXattrTags(path string) []string {
	raw, err := xattr.Get(path, XattrTagsKey)
	if err != nil || len(raw) == 0 {
		return nil
	}

	var tags []string
	for _, t := range strings.Split(string(raw), ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// WriteXattrTags persists tags back to the file's extended attributes.
func WriteXattrTags(path string, tags []string) error {
	return xattr.Set(path, XattrTagsKey, []byte(strings.Join(tags, ",")))
}
