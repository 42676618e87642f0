package filesystem

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// categoryByExtension buckets common file extensions into a save-path
// subfolder, mirroring the way a desktop download manager organizes its
// default download root.
var categoryByExtension = map[string]string{
	".mp4": "Videos", ".mkv": "Videos", ".avi": "Videos", ".mov": "Videos", ".webm": "Videos",
	".mp3": "Music", ".flac": "Music", ".wav": "Music", ".aac": "Music", ".m4a": "Music",
	".jpg": "Images", ".jpeg": "Images", ".png": "Images", ".gif": "Images", ".webp": "Images",
	".zip": "Archives", ".rar": "Archives", ".7z": "Archives", ".tar": "Archives", ".gz": "Archives",
	".pdf": "Documents", ".doc": "Documents", ".docx": "Documents", ".txt": "Documents", ".epub": "Documents",
	".exe": "Programs", ".msi": "Programs", ".dmg": "Programs", ".deb": "Programs", ".appimage": "Programs",
}

// GetCategory returns the subfolder a filename's extension belongs under,
// or "Other" when the extension is unrecognized.
func GetCategory(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if cat, ok := categoryByExtension[ext]; ok {
		return cat
	}
	return "Other"
}

// GetOrganizedPath joins root, the category for filename, and filename.
func GetOrganizedPath(root, filename string) string {
	return filepath.Join(root, GetCategory(filename), filename)
}

// FindAvailablePath returns path unchanged if nothing occupies it, otherwise
// appends " (n)" before the extension until a free name is found, mirroring
// a desktop browser's download-collision behavior.
func FindAvailablePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}

	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(filepath.Base(path), ext)

	for n := 1; ; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, n, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// GetDefaultDownloadPath resolves filename to an absolute, collision-free
// save path under root's category subfolder.
func GetDefaultDownloadPath(root, filename string) string {
	return FindAvailablePath(GetOrganizedPath(root, filename))
}
