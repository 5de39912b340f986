package ext2

import (
	"context"
	"strings"
)

// ============================================================================
// Path Resolution
// ============================================================================

// splitPath normalizes an absolute slash-separated path into its
// components. Repeated slashes collapse; "/" resolves to no components
// (the root itself).
func splitPath(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, &FilesystemError{
			Code:    ErrInvalidArgument,
			Message: "path is not absolute",
			Path:    path,
		}
	}

	var components []string
	for _, comp := range strings.Split(path, "/") {
		if comp == "" {
			continue
		}
		components = append(components, comp)
	}
	return components, nil
}

// ResolvePath walks an absolute path to its target inode, enforcing
// traverse permission on every directory it descends through. Resolution
// fails fast: the first missing component or denied traversal aborts the
// walk with that error.
func (fs *Filesystem) ResolvePath(ctx context.Context, creds Credentials, path string) (InodeNum, *Inode, error) {
	components, err := splitPath(path)
	if err != nil {
		return 0, nil, err
	}

	current := InodeNum(RootInode)
	inode, err := fs.ReadInode(ctx, current)
	if err != nil {
		return 0, nil, err
	}

	for _, name := range components {
		if !inode.IsDir() {
			return 0, nil, &FilesystemError{
				Code:    ErrNotDirectory,
				Message: "path component is not a directory",
				Path:    path,
			}
		}
		if !checkAccess(inode, creds, PermExecute) {
			return 0, nil, &FilesystemError{
				Code:    ErrPermissionDenied,
				Message: "no traverse permission",
				Path:    path,
			}
		}

		entry, err := fs.findEntry(ctx, current, inode, name)
		if err != nil {
			if CodeOf(err) == ErrNotFound {
				return 0, nil, &FilesystemError{Code: ErrNotFound, Message: "no such file or directory", Path: path}
			}
			return 0, nil, err
		}

		current = entry.Inode
		inode, err = fs.ReadInode(ctx, current)
		if err != nil {
			return 0, nil, err
		}
	}

	return current, inode, nil
}

// resolveParent resolves everything but the last component, returning the
// parent directory and the final name. Used by create/remove operations
// that act on an entry rather than on the target inode.
func (fs *Filesystem) resolveParent(ctx context.Context, creds Credentials, path string) (InodeNum, *Inode, string, error) {
	components, err := splitPath(path)
	if err != nil {
		return 0, nil, "", err
	}
	if len(components) == 0 {
		return 0, nil, "", &FilesystemError{
			Code:    ErrInvalidArgument,
			Message: "operation on the filesystem root",
			Path:    path,
		}
	}

	name := components[len(components)-1]
	parentPath := "/" + strings.Join(components[:len(components)-1], "/")

	parentNum, parent, err := fs.ResolvePath(ctx, creds, parentPath)
	if err != nil {
		return 0, nil, "", err
	}
	if !parent.IsDir() {
		return 0, nil, "", &FilesystemError{
			Code:    ErrNotDirectory,
			Message: "parent is not a directory",
			Path:    path,
		}
	}

	return parentNum, parent, name, nil
}
