package console

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
)

func newTable(buf *bytes.Buffer, header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(buf)
	t.SetHeader(header)
	t.SetAutoWrapText(false)
	t.SetAutoFormatHeaders(true)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetCenterSeparator("")
	t.SetColumnSeparator("")
	t.SetRowSeparator("")
	t.SetHeaderLine(false)
	t.SetBorder(false)
	t.SetTablePadding("  ")
	t.SetNoWhiteSpace(true)
	return t
}

func (c *Console) peers() {
	st := c.sess.State()
	if len(st.Discovered) == 0 && len(st.Connected) == 0 {
		c.println("no peers yet; /discover to look for hosts")
		return
	}

	connected := make(map[string]bool, len(st.Connected))
	for _, p := range st.Connected {
		connected[p.EndpointID] = true
	}

	var buf bytes.Buffer
	t := newTable(&buf, "#", "Name", "Endpoint", "Status", "Seen")
	for i, p := range st.Discovered {
		status := "nearby"
		if connected[p.EndpointID] {
			status = "connected"
			delete(connected, p.EndpointID)
		}
		t.Append([]string{strconv.Itoa(i + 1), p.Name, p.EndpointID, status, since(p.Since)})
	}
	for _, p := range st.Connected {
		if connected[p.EndpointID] {
			t.Append([]string{"-", p.Name, p.EndpointID, "connected", since(p.Since)})
		}
	}
	t.Render()
	c.println(strings.TrimRight(buf.String(), "\n"))
}

func (c *Console) history() error {
	if c.opts.History == nil {
		c.println("history is not kept")
		return nil
	}
	recs, err := c.opts.History(20)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		c.println("no peers yet")
		return nil
	}
	var buf bytes.Buffer
	t := newTable(&buf, "Name", "Endpoint", "As", "Times", "Last")
	for _, r := range recs {
		t.Append([]string{r.Name, r.EndpointID, r.Role, strconv.Itoa(r.Times), r.LastConnected.Local().Format(time.DateTime)})
	}
	t.Render()
	c.println(strings.TrimRight(buf.String(), "\n"))
	return nil
}

func since(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return time.Since(t).Truncate(time.Second).String() + " ago"
}
