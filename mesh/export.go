package mesh

import (
	"encoding/json"
	"io"
	"slices"
)

// ExportOperations writes a self-contained JSON record list. Any
// replica can re-verify the records with no external key lookup: the
// trust chain is the embedded AddDevice operations.
func ExportOperations(w io.Writer, ops []*Operation) error {
	sorted := slices.Clone(ops)
	slices.SortFunc(sorted, CompareOrder)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(sorted)
}

// ImportOperations decodes an exported record list. Decoding proves
// nothing; callers feed the result through the verifier gated merge.
func ImportOperations(r io.Reader) ([]*Operation, error) {
	ops := []*Operation{}
	if err := json.NewDecoder(r).Decode(&ops); err != nil {
		return nil, err
	}
	return ops, nil
}
