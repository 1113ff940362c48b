package memos

// PageCursor is the pagination position: the opaque server token plus a local sequence
// number that increases every time the cursor moves or is reset.
type PageCursor struct {
	Token string
	Seq   uint64
}

// IsFirst reports whether the cursor addresses the first page.
func (c PageCursor) IsFirst() bool {
	return c.Token == ""
}

// Page is one decoded page of the remote memo feed.
type Page struct {
	Entries   []MemoRecord
	NextToken string
}

// IsLast reports whether the server signalled the end of the feed.
func (p Page) IsLast() bool {
	return p.NextToken == ""
}
