package review

import (
	"encoding/csv"
	"io"

	"accessreview.org/internal/laika"
)

// CSVHeader is the exact column set of the scope export.
var CSVHeader = []string{
	"Account Name", "Connection", "Email", "Access Role/Group",
	"Marked as", "State", "Notes",
}

// WriteScopeCSV emits one row per account object, in the order the store
// returned them. Account metadata comes from the laika snapshot when it is
// still available.
func WriteScopeCSV(w io.Writer, scope VendorScope, objects []AccountObject, accounts map[string]laika.Object) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	for _, obj := range objects {
		acc := accounts[obj.LaikaObjectID]
		state := "In Progress"
		if obj.Confirmed {
			state = "Reviewed"
		}
		row := []string{
			acc.DisplayName(),
			scope.VendorName,
			acc.Email(),
			acc.RolesDisplay(),
			obj.Status.Localized(),
			state,
			obj.Notes,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
