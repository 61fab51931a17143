package bilibili

import (
	"sort"
	"strings"
	"time"
)

type infoData struct {
	UserTicketInfo map[string]TicketInfo `json:"user_ticket_info"`
	ReserveList    map[string][]Activity `json:"reserve_list"`
}

// TicketInfo is one day's purchased admission ticket; Ticket is the
// entitlement token required to reserve that day's activities.
type TicketInfo struct {
	ScreenName string `json:"screen_name"`
	SkuName    string `json:"sku_name"`
	Ticket     string `json:"ticket"`
}

// Activity is one reservable slot.
type Activity struct {
	ReserveID        int64  `json:"reserve_id"`
	Title            string `json:"act_title"`
	BeginTime        int64  `json:"act_begin_time"`
	ReserveBeginTime int64  `json:"reserve_begin_time"`
	Describe         string `json:"describe_info"`
}

// FireTime is the server-declared instant reservations open.
func (a Activity) FireTime() time.Time { return time.Unix(a.ReserveBeginTime, 0) }

func (a Activity) StartTime() time.Time { return time.Unix(a.BeginTime, 0) }

// Catalog maps the account's tickets and activities. Days are YYYYMMDD keys
// as the API reports them.
type Catalog struct {
	Days       []string
	Tickets    map[string]TicketInfo
	Activities map[int64]Activity
}

func buildCatalog(d infoData) *Catalog {
	c := &Catalog{
		Tickets:    d.UserTicketInfo,
		Activities: map[int64]Activity{},
	}
	for day := range d.UserTicketInfo {
		c.Days = append(c.Days, day)
	}
	sort.Strings(c.Days)
	for _, acts := range d.ReserveList {
		for _, a := range acts {
			a.Title = strings.ReplaceAll(a.Title, "\n", "")
			c.Activities[a.ReserveID] = a
		}
	}
	return c
}

// TicketForActivity resolves the entitlement token for an activity through
// the day its session starts on.
func (c *Catalog) TicketForActivity(reserveID int64) (string, bool) {
	a, ok := c.Activities[reserveID]
	if !ok {
		return "", false
	}
	day := a.StartTime().Format("20060102")
	t, ok := c.Tickets[day]
	if !ok || t.Ticket == "" {
		return "", false
	}
	return t.Ticket, true
}
