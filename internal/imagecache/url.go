package imagecache

import "strings"

var (
	fileSchemes   = []string{"wadouri:", "dicomweb:"}
	loaderSchemes = []string{"wadouri:", "dicomweb:", "wadors:"}
)

// DatasetURL returns the URL of the file an image ID is read from: the
// loader scheme, the frame query parameter and a trailing /frames/N path are
// removed.
func DatasetURL(imageID string) string {
	id := imageID
	for _, scheme := range loaderSchemes {
		if strings.HasPrefix(id, scheme) {
			id = id[len(scheme):]
			break
		}
	}

	if i := strings.LastIndex(id, "/frames/"); i >= 0 && !strings.Contains(id[i+len("/frames/"):], "/") {
		id = id[:i]
	}

	base, query, ok := strings.Cut(id, "?")
	if !ok {
		return id
	}
	var kept []string
	for _, param := range strings.Split(query, "&") {
		if param == "" || strings.HasPrefix(param, "frame=") {
			continue
		}
		kept = append(kept, param)
	}
	if len(kept) == 0 {
		return base
	}
	return base + "?" + strings.Join(kept, "&")
}

// isFileImageID reports whether imageID addresses a whole Part-10 file
func isFileImageID(imageID string) bool {
	for _, scheme := range fileSchemes {
		if strings.HasPrefix(imageID, scheme) {
			return true
		}
	}
	return false
}

// IsFileImageID is the exported form of isFileImageID
func IsFileImageID(imageID string) bool {
	return isFileImageID(imageID)
}
