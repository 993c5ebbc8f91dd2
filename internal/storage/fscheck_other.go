//go:build !linux

package storage

func detectFilesystemType(string) (string, error) {
	return "", errUndetectable
}
