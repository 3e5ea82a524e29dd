package models

// Loader decodes one executable container format from raw bytes.
// Load never fails: a file it cannot read yields an empty Result whose
// Stages say why.
type Loader interface {
	Format() string
	Match(p []byte) bool
	Load(p []byte) *Result
}
