package layout

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Field is an atomic labelled text unit. Fields are never split.
type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Container is one outbound message document.
type Container struct {
	Title     string    `json:"title"`
	URL       string    `json:"url,omitempty"`
	Author    string    `json:"author,omitempty"`
	Footer    string    `json:"footer,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Fields    []Field   `json:"fields"`

	KillID    int64 `json:"kill_id"`
	Attackers int   `json:"attackers"`
	Omitted   int   `json:"omitted"`
}

// Overflowed reports whether attackers were left out behind an overflow
// marker.
func (c Container) Overflowed() bool {
	return c.Omitted > 0
}

// Size returns the counted size of the container: title, author, footer and
// every field name and value. The link is not counted.
func (c Container) Size() int {
	n := textLen(c.Title) + textLen(c.Author) + textLen(c.Footer)
	for _, f := range c.Fields {
		n += f.size()
	}
	return n
}

func (f Field) size() int {
	return textLen(f.Name) + textLen(f.Value)
}

// Check returns an error describing the first limit c violates.
func (c Container) Check(l Limits) error {
	if len(c.Fields) > l.MaxFields {
		return fmt.Errorf("container has %d fields, limit %d", len(c.Fields), l.MaxFields)
	}
	for i, f := range c.Fields {
		if n := textLen(f.Value); n > l.MaxFieldLength {
			return fmt.Errorf("field %d value is %d long, limit %d", i, n, l.MaxFieldLength)
		}
		if n := textLen(f.Name); n > l.MaxFieldNameLength {
			return fmt.Errorf("field %d name is %d long, limit %d", i, n, l.MaxFieldNameLength)
		}
	}
	if n := textLen(c.Title); n > l.MaxTitleLength {
		return fmt.Errorf("title is %d long, limit %d", n, l.MaxTitleLength)
	}
	if n := c.Size(); n > l.MaxContainerSize {
		return fmt.Errorf("container size %d, limit %d", n, l.MaxContainerSize)
	}
	return nil
}

func textLen(s string) int {
	return utf8.RuneCountInString(s)
}
