package report

import (
	"fmt"
	"strconv"
	"strings"

	"certwatch/internal/status"
)

// errColWidth Error 列的最大宽度，超宽自动换行
const errColWidth = 30

var tableHeaders = [6]string{"Domain", "Status", "Days Left", "Expires", "Issuer", "Error"}

// FormatTable 按固定列渲染网格表格
//
// 历史版式约定：
//   - 端口为 443 时 Domain 列只显示域名，其它端口显示 host:port
//   - EXPIRED/ERROR 行的 Days Left/Expires/Issuer 显示 "-"，Error 列显示原因
//   - 正常行的 Error 列显示 "-"
func FormatTable(rows []Row) string {
	cells := make([][6][]string, 0, len(rows))
	for _, r := range rows {
		raw := rowCells(r)

		var c [6][]string
		for i, v := range raw {
			if i == 5 {
				c[i] = wrapCell(v, errColWidth)
			} else {
				c[i] = []string{v}
			}
		}
		cells = append(cells, c)
	}

	// 列宽取表头与所有单元行的最大宽度
	var widths [6]int
	for i, h := range tableHeaders {
		widths[i] = len([]rune(h))
	}
	for _, c := range cells {
		for i, lines := range c {
			for _, line := range lines {
				if w := len([]rune(line)); w > widths[i] {
					widths[i] = w
				}
			}
		}
	}

	var b strings.Builder
	writeBorder(&b, widths, '-')
	writeLine(&b, widths, tableHeaders[:])
	writeBorder(&b, widths, '=')

	for _, c := range cells {
		height := 1
		for _, lines := range c {
			if len(lines) > height {
				height = len(lines)
			}
		}
		for i := 0; i < height; i++ {
			line := make([]string, 6)
			for col, lines := range c {
				if i < len(lines) {
					line[col] = lines[i]
				}
			}
			writeLine(&b, widths, line)
		}
		writeBorder(&b, widths, '-')
	}

	return b.String()
}

// rowCells 生成一行的六个单元格内容
func rowCells(r Row) [6]string {
	domain := r.Hostname
	if r.Port != 443 {
		domain = fmt.Sprintf("%s:%d", r.Hostname, r.Port)
	}

	if r.Status == status.StatusError || r.Status == status.StatusExpired {
		return [6]string{domain, string(r.Status), "-", "-", "-", errorCell(r)}
	}

	days := "-"
	if r.DaysRemaining != nil {
		days = strconv.Itoa(*r.DaysRemaining)
	}
	return [6]string{domain, string(r.Status), days, r.ExpireDate, r.IssuerName, "-"}
}

// errorCell 失败行的原因列
// 成功探测到已过期证书时没有错误信息，显示固定说明而非 "Unknown error"
func errorCell(r Row) string {
	if r.ErrorMessage != "" {
		return r.ErrorMessage
	}
	if r.Status == status.StatusExpired {
		return "certificate has expired"
	}
	return "Unknown error"
}

// wrapCell 把超宽内容按宽度折行（按 rune 计数）
func wrapCell(s string, width int) []string {
	runes := []rune(s)
	if len(runes) <= width {
		return []string{s}
	}

	var lines []string
	for len(runes) > width {
		lines = append(lines, string(runes[:width]))
		runes = runes[width:]
	}
	if len(runes) > 0 {
		lines = append(lines, string(runes))
	}
	return lines
}

func writeBorder(b *strings.Builder, widths [6]int, fill rune) {
	for _, w := range widths {
		b.WriteByte('+')
		b.WriteString(strings.Repeat(string(fill), w+2))
	}
	b.WriteString("+\n")
}

func writeLine(b *strings.Builder, widths [6]int, cells []string) {
	for i, w := range widths {
		cell := ""
		if i < len(cells) {
			cell = cells[i]
		}
		pad := w - len([]rune(cell))
		if pad < 0 {
			pad = 0
		}
		b.WriteString("| ")
		b.WriteString(cell)
		b.WriteString(strings.Repeat(" ", pad))
		b.WriteByte(' ')
	}
	b.WriteString("|\n")
}
