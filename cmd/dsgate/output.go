package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"dsgate/internal/api"
	"dsgate/internal/format"
)

var outputFormatter format.Formatter = format.JSONFormatter{}

func writeStructured(payload any) error {
	return outputFormatter.Write(os.Stdout, payload)
}

func writePlain(format string, args ...any) error {
	_, err := fmt.Fprintf(os.Stdout, format, args...)
	return err
}

func writeEntityList(items []api.EntityResponse) error {
	for _, item := range items {
		if err := writePlain("%s\n", formatEntityLine(item)); err != nil {
			return err
		}
	}
	return nil
}

func writeEntityDetail(entity api.EntityResponse) error {
	lines := []string{
		fmt.Sprintf("entity_id: %s", entity.EntityID),
		fmt.Sprintf("status: %s", entity.Status),
		fmt.Sprintf("record: %s", entity.Record),
		fmt.Sprintf("blob: %s", entity.Blob),
		fmt.Sprintf("size_bytes: %d", entity.SizeBytes),
		fmt.Sprintf("created_at: %s", formatTime(entity.CreatedAt)),
		fmt.Sprintf("updated_at: %s", formatTime(entity.UpdatedAt)),
	}
	if entity.ContentType != "" {
		lines = append(lines, fmt.Sprintf("content_type: %s", entity.ContentType))
	}
	if entity.ContentHash != "" {
		lines = append(lines, fmt.Sprintf("content_hash: %s", entity.ContentHash))
	}
	if entity.Handle != nil {
		lines = append(lines,
			fmt.Sprintf("url: %s", entity.Handle.AccessURL),
			fmt.Sprintf("url_expires_at: %s", formatTime(entity.Handle.ExpiresAt)),
		)
	}
	if entity.Error != "" {
		lines = append(lines, fmt.Sprintf("error: %s", entity.Error))
	}
	if len(entity.Properties) > 0 {
		lines = append(lines, "properties:")
		keys := make([]string, 0, len(entity.Properties))
		for key := range entity.Properties {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			lines = append(lines, fmt.Sprintf("  %s: %v", key, entity.Properties[key]))
		}
	}

	return writePlain("%s\n", strings.Join(lines, "\n"))
}

func formatEntityLine(entity api.EntityResponse) string {
	line := fmt.Sprintf("%s [%s] %s %dB", entity.EntityID, entity.Status, entity.Record.Class, entity.SizeBytes)
	if entity.Error != "" {
		line += " - " + entity.Error
	}
	return line
}

func writeReport(report api.ReconcileResponse) error {
	lines := []string{
		fmt.Sprintf("records_scanned: %d", report.RecordsScanned),
		fmt.Sprintf("blobs_scanned: %d", report.BlobsScanned),
		fmt.Sprintf("orphans_found: %d", report.OrphansFound),
		fmt.Sprintf("orphans_resolved: %d", report.OrphansResolved),
		fmt.Sprintf("pending_skipped: %d", report.PendingSkipped),
		fmt.Sprintf("failed: %d", report.Failed),
	}
	if report.DryRun {
		lines = append(lines, "dry_run: true")
	}
	for _, res := range report.Resolutions {
		line := fmt.Sprintf("  %s %s %s", res.Action, res.Kind, res.EntityID)
		if res.Error != "" {
			line += " - " + res.Error
		}
		lines = append(lines, line)
	}
	return writePlain("%s\n", strings.Join(lines, "\n"))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
