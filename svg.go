package honggfuzz

import (
	"fmt"
	"html"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// Export campaign results as a standalone HTML document with SVG charts.
// Handy to keep next to the report archive of an overnight run.

func ScaleRGB(col1 string, col2 string, scale float64) (string, error) {
	if col1[0] != '#' || col2[0] != '#' || len(col1) != 7 || len(col2) != 7 {
		return "", fmt.Errorf("only 6 digit hex colors are supported (#123456)")
	}
	a1, err := strconv.ParseInt(col1[1:7], 16, 64)
	if err != nil {
		return "", fmt.Errorf("ScaleRGB: parse col1: %w", err)
	}
	a2, err := strconv.ParseInt(col2[1:], 16, 64)
	if err != nil {
		return "", fmt.Errorf("ScaleRGB: parse col2: %w", err)
	}
	r1 := (a1 >> 16) & 0xff
	g1 := (a1 >> 8) & 0xff
	b1 := a1 & 0xff
	r2 := (a2 >> 16) & 0xff
	g2 := (a2 >> 8) & 0xff
	b2 := a2 & 0xff
	r := math.Round(float64(r1) + float64(r2-r1)*scale)
	g := math.Round(float64(g1) + float64(g2-g1)*scale)
	b := math.Round(float64(b1) + float64(b2-b1)*scale)
	if r < 0 || r > 255 || g < 0 || g > 255 || b < 0 || b > 255 {
		return "", fmt.Errorf("outside the RGB range: %f %f %f", r, g, b)
	}
	return fmt.Sprintf("#%02x%02x%02x", int(r), int(g), int(b)), nil
}

// Bucket i counts values below upperBounds[i]; the last bucket is the
// overflow bucket.
func bucketLabel(d *Distribution, i int) string {
	if i < len(d.upperBounds) {
		return fmt.Sprintf("< %.3g", d.upperBounds[i])
	}
	return fmt.Sprintf(">= %.3g", d.upperBounds[len(d.upperBounds)-1])
}

// distributionSVG returns an SVG bar chart of the distribution's buckets.
// Bars are shaded by their share of the most populated bucket.
func distributionSVG(d *Distribution, width, height float64) string {
	d = d.Copy()
	var maxCount int64
	for _, c := range d.counts {
		if c > maxCount {
			maxCount = c
		}
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, `<svg xmlns="http://www.w3.org/2000/svg" width="%.0f" height="%.0f" viewBox="0 0 %.0f %.0f">`+"\n",
		width, height, width, height)
	if maxCount == 0 {
		sb.WriteString(`<text x="10" y="20" fill="#cbcbcb" style="font: 13px sans-serif;">no data</text>` + "\n")
		sb.WriteString("</svg>\n")
		return sb.String()
	}
	const labelSpace = 18.0
	barSpace := height - labelSpace
	n := len(d.counts)
	barWidth := width / float64(n)
	for i, count := range d.counts {
		frac := float64(count) / float64(maxCount)
		fill := "#182028"
		if count > 0 {
			if col, err := ScaleRGB("#1d4a28", "#7fd962", frac); err == nil {
				fill = col
			}
		}
		barHeight := frac * barSpace
		fmt.Fprintf(&sb, `<rect x="%.2f" y="%.2f" width="%.2f" height="%.2f" fill="%s"><title>%s: %d</title></rect>`+"\n",
			float64(i)*barWidth, barSpace-barHeight, barWidth-1, barHeight, fill, bucketLabel(d, i), count)
	}
	step := n / 4
	if step == 0 {
		step = 1
	}
	for i := 0; i < n; i += step {
		fmt.Fprintf(&sb, `<text x="%.2f" y="%.2f" fill="#9aa5b0" style="font: 10px sans-serif;">%s</text>`+"\n",
			float64(i)*barWidth, height-4, bucketLabel(d, i))
	}
	sb.WriteString("</svg>\n")
	return sb.String()
}

// ExportCampaignHTML writes an HTML document to file that summarizes a
// campaign: the status numbers, value distributions as SVG bar charts, and
// the list of novel crashes.
func ExportCampaignHTML(file string, status *CampaignStatus, reports []*CrashReport, distributions []*Distribution) error {
	const width, height = 640.0, 160.0
	var sb strings.Builder
	sb.WriteString(`<!DOCTYPE html>
<html>
<head>
	<meta charset="utf-8" />
	<title>Fuzzing Campaign Report</title>
	<style>
		body {
			background-color: #1e1e1e;
			color: #cbcbcb;
			font-family: sans-serif;
		}
		table {
			border-collapse: collapse;
		}
		th, td {
			border: 1px solid #3a4450;
			padding: 4px 10px;
			text-align: left;
		}
	</style>
</head>
<body>` + "\n")
	fmt.Fprintf(&sb, "<h1>Campaign %s</h1>\n", html.EscapeString(status.CampaignId))
	fmt.Fprintf(&sb, "<p>Created: %s</p>\n", time.Now().Format(time.RFC3339))
	infos := []string{
		fmt.Sprintf("Target: %s", html.EscapeString(status.Target)),
		fmt.Sprintf("Started: %s", status.Started.Format(time.RFC3339)),
		fmt.Sprintf("Execs: %d", status.Execs),
		fmt.Sprintf("Crashes: %d", status.Crashes),
		fmt.Sprintf("Unique: %d", status.UniqueCrashes),
		fmt.Sprintf("Timeouts: %d", status.Timeouts),
	}
	fmt.Fprintf(&sb, "<p>"+strings.Join(infos, " &bullet; ")+"</p>\n")
	for _, d := range distributions {
		fmt.Fprintf(&sb, "<h2>%s</h2>\n", html.EscapeString(d.name))
		sb.WriteString("<div>\n")
		sb.WriteString(distributionSVG(d, width, height))
		sb.WriteString("</div>\n")
	}
	sb.WriteString("<h2>Crashes</h2>\n")
	if len(reports) == 0 {
		sb.WriteString("<p>No crashes found.</p>\n")
	} else {
		sb.WriteString("<table>\n<tr><th>Time</th><th>Kind</th><th>Message</th><th>Input</th><th>Hash</th></tr>\n")
		for _, r := range reports {
			// Panic messages and inputs are attacker-controlled, escape them.
			fmt.Fprintf(&sb, "<tr><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%016x</td></tr>\n",
				r.Time.Format(time.RFC3339), r.Kind,
				html.EscapeString(r.Message),
				html.EscapeString(printableInput(r.Input, 60)),
				r.InputHash)
		}
		sb.WriteString("</table>\n")
	}
	sb.WriteString("</body>\n")
	sb.WriteString("</html>\n")

	// Write output file.
	f, err := os.Create(file)
	if err != nil {
		return err
	}
	defer f.Close()
	f.WriteString(sb.String())
	return nil
}
