package vfs

import "context"

// Copy duplicates b. A stored file gets a new backing id holding the same
// bytes, a folder is copied recursively, and shared singletons (provided
// programs and devices) are returned as-is. The copy is detached; link it
// with Folder.Put.
func Copy(ctx context.Context, b Block) (Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch src := b.(type) {
	case *StoredFile:
		data, err := src.ReadAll(ctx)
		if err != nil {
			return nil, err
		}
		dst := NewStoredFile(src.Owner(), src.store)
		copyMeta(dst, src)
		if err := dst.WriteAll(ctx, data); err != nil {
			return nil, err
		}
		return dst, nil
	case *Folder:
		dst := NewFolder(src.Owner())
		copyMeta(dst, src)
		for _, e := range src.Entries() {
			child, err := Copy(ctx, e.Block)
			if err != nil {
				_ = dst.destroy(context.WithoutCancel(ctx))
				return nil, err
			}
			if err := dst.Put(e.Name, child); err != nil {
				if exclusive(child) {
					_ = child.destroy(context.WithoutCancel(ctx))
				}
				_ = dst.destroy(context.WithoutCancel(ctx))
				return nil, err
			}
		}
		return dst, nil
	default:
		return b, nil
	}
}
