package bson

// Field is a single name/value pair inside a Document.
type Field struct {
	Name  string
	Value Value
}

// Document is an insertion-ordered set of fields. Field order is preserved by
// the codec and significant for document comparison.
type Document struct {
	fields []Field
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{}
}

// Set replaces the value of an existing field or appends a new one.
// It returns the document to allow chained construction.
func (d *Document) Set(name string, value Value) *Document {
	for i := range d.fields {
		if d.fields[i].Name == name {
			d.fields[i].Value = value
			return d
		}
	}
	d.fields = append(d.fields, Field{Name: name, Value: value})
	return d
}

// Get returns the value of a field, or Null if the field is absent.
func (d *Document) Get(name string) Value {
	for i := range d.fields {
		if d.fields[i].Name == name {
			return d.fields[i].Value
		}
	}
	return Null()
}

// Has reports whether a field is present.
func (d *Document) Has(name string) bool {
	for i := range d.fields {
		if d.fields[i].Name == name {
			return true
		}
	}
	return false
}

// Remove deletes a field and reports whether it was present.
func (d *Document) Remove(name string) bool {
	for i := range d.fields {
		if d.fields[i].Name == name {
			d.fields = append(d.fields[:i], d.fields[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of fields.
func (d *Document) Len() int {
	return len(d.fields)
}

// Fields returns the ordered field slice. Callers must not mutate it.
func (d *Document) Fields() []Field {
	return d.fields
}

func (d *Document) compare(other *Document, collation *Collation) int {
	if d == nil || other == nil {
		if d == other {
			return 0
		}
		if d == nil {
			return -1
		}
		return 1
	}
	n := len(d.fields)
	if len(other.fields) < n {
		n = len(other.fields)
	}
	for i := 0; i < n; i++ {
		if c := compareStringsBinary(d.fields[i].Name, other.fields[i].Name); c != 0 {
			return c
		}
		if c := d.fields[i].Value.Compare(other.fields[i].Value, collation); c != 0 {
			return c
		}
	}
	return cmpOrdered(len(d.fields), len(other.fields))
}

// Equal reports structural equality of two documents including field order.
func (d *Document) Equal(other *Document) bool {
	return d.compare(other, nil) == 0
}

func compareStringsBinary(a, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}
