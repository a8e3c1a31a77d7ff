package ops

import (
	"os"

	"github.com/olekukonko/tablewriter"

	"github.com/TIGRLab/datman-sub001/checklist"
	"github.com/TIGRLab/datman-sub001/config"
)

// ShowChecklist prints the study's manifest as a table.
func ShowChecklist(cfg *config.Config) error {
	list, err := checklist.Load(cfg.ChecklistPath(), checklistStages)
	if err != nil {
		return err
	}

	header := append([]string{"session"}, list.Stages()...)
	header = append(header, "notes")

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)

	for _, id := range list.IDs() {
		row, _ := list.Get(id)
		line := []string{id}
		for _, stage := range list.Stages() {
			line = append(line, row.Stages[stage])
		}
		line = append(line, row.Notes)
		table.Append(line)
	}
	table.Render()
	return nil
}
