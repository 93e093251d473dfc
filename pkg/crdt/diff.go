package crdt

import (
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Replace edits the document so that its text becomes text.
// It computes a character diff against the current text and emits positional
// inserts and deletes only for the changed regions, so concurrent edits
// elsewhere in the document survive the replacement.
func (d *Document) Replace(text string) ([]Op, error) {
	d.mu.Lock()
	current := d.textLocked()
	if current == text {
		d.mu.Unlock()
		return nil, nil
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(current, text, false)

	var ops []Op
	pos := 0
	for _, df := range diffs {
		n := utf8.RuneCountInString(df.Text)
		switch df.Type {
		case diffmatchpatch.DiffEqual:
			pos += n
		case diffmatchpatch.DiffDelete:
			del, err := d.deleteLocked(pos, n)
			ops = append(ops, del...)
			if err != nil {
				d.mu.Unlock()
				d.notify(Change{Ops: ops, Local: true})
				return ops, err
			}
		case diffmatchpatch.DiffInsert:
			ins, err := d.insertLocked(pos, df.Text)
			ops = append(ops, ins...)
			if err != nil {
				d.mu.Unlock()
				d.notify(Change{Ops: ops, Local: true})
				return ops, err
			}
			pos += n
		}
	}
	d.mu.Unlock()

	d.notify(Change{Ops: ops, Local: true})
	return ops, nil
}
