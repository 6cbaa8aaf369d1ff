package ui

import (
	"fmt"
	"time"

	"igharvest/pkg/models"
)

// PrintRunReport renders the end-of-run accounting
func PrintRunReport(report *models.RunReport) {
	fmt.Println()
	fmt.Println(Magenta("── harvest summary ──────────────────────────"))
	PrintInfo("Subject", report.Subject)
	PrintInfo("Pages fetched", fmt.Sprintf("%d", report.PagesFetched))
	PrintInfo("Posts seen", fmt.Sprintf("%d", report.PostsSeen))
	PrintInfo("References extracted", fmt.Sprintf("%d", report.ReferencesExtracted))
	PrintInfo("Duplicates elided", fmt.Sprintf("%d", report.DuplicatesElided))

	d := report.Downloads
	fmt.Printf("%s: %s succeeded, %s skipped, %s failed\n",
		Cyan("Downloads"),
		Green(fmt.Sprintf("%d", d.Succeeded)),
		Dim(fmt.Sprintf("%d", d.Skipped)),
		Red(fmt.Sprintf("%d", d.Failed)),
	)

	if !report.FinishedAt.IsZero() {
		PrintInfo("Elapsed", report.FinishedAt.Sub(report.StartedAt).Round(time.Second).String())
	}

	if len(d.FailedItems) > 0 {
		fmt.Println()
		PrintWarning("Failed items:")
		for _, item := range d.FailedItems {
			fmt.Printf("  %s\n    %s\n", Yellow(item.URL), Dim(item.LastError))
		}
	}
}
