package models

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// DeviceSummary holds the network server counters of one device
type DeviceSummary struct {
	DevAddr           string `json:"devAddr" db:"dev_addr"`
	IsClassB          bool   `json:"isClassB" db:"is_class_b"`
	USPackets         uint64 `json:"usPackets" db:"us_packets"`
	USUnique          uint64 `json:"usUnique" db:"us_unique"`
	USAcks            uint64 `json:"usAcks" db:"us_acks"`
	USDuplicates      uint64 `json:"usDuplicates" db:"us_duplicates"`
	USRetransmissions uint64 `json:"usRetransmissions" db:"us_retransmissions"`
	DSGenerated       uint64 `json:"dsGenerated" db:"ds_generated"`
	DSSent            uint64 `json:"dsSent" db:"ds_sent"`
	RW1Sent           uint64 `json:"rw1Sent" db:"rw1_sent"`
	RW2Sent           uint64 `json:"rw2Sent" db:"rw2_sent"`
	RW1Missed         uint64 `json:"rw1Missed" db:"rw1_missed"`
	RW2Missed         uint64 `json:"rw2Missed" db:"rw2_missed"`
	DSRetransmissions uint64 `json:"dsRetransmissions" db:"ds_retransmissions"`
	DSAcks            uint64 `json:"dsAcks" db:"ds_acks"`
	DSAckd            uint64 `json:"dsAckd" db:"ds_ackd"`
	DSDropped         uint64 `json:"dsDropped" db:"ds_dropped"`
	ClassBGenerated   uint64 `json:"classBGenerated" db:"class_b_generated"`
	ClassBSent        uint64 `json:"classBSent" db:"class_b_sent"`
	QueueLength       int    `json:"queueLength" db:"queue_length"`
	ClassBQueueLength int    `json:"classBQueueLength" db:"class_b_queue_length"`
}

// EndDeviceSummary holds the counters kept by one end device
type EndDeviceSummary struct {
	DevAddr        string `json:"devAddr" db:"dev_addr"`
	IsClassB       bool   `json:"isClassB" db:"is_class_b"`
	UplinksSent    uint64 `json:"uplinksSent" db:"uplinks_sent"`
	BytesAttempted uint64 `json:"bytesAttempted" db:"bytes_attempted"`
	BytesReceived  uint64 `json:"bytesReceived" db:"bytes_received"`
	RX1            uint64 `json:"rx1" db:"rx1"`
	RX2            uint64 `json:"rx2" db:"rx2"`
	ClassBDown     uint64 `json:"classBDown" db:"class_b_down"`
	Beacons        uint64 `json:"beacons" db:"beacons"`
	MissedBeacons  uint64 `json:"missedBeacons" db:"missed_beacons"`
	FCntUp         uint32 `json:"fCntUp" db:"f_cnt_up"`
}

// GatewaySummary holds the counters of one gateway
type GatewaySummary struct {
	GatewayID          string `json:"gatewayId" db:"gateway_id"`
	UplinksRelayed     uint64 `json:"uplinksRelayed" db:"uplinks_relayed"`
	DownlinksSent      uint64 `json:"downlinksSent" db:"downlinks_sent"`
	BeaconsSent        uint64 `json:"beaconsSent" db:"beacons_sent"`
	SlotsAllocated     uint64 `json:"slotsAllocated" db:"slots_allocated"`
	SlotsUsed          uint64 `json:"slotsUsed" db:"slots_used"`
	SlotsCollision     uint64 `json:"slotsCollision" db:"slots_collision"`
	SlotsDutyCycleMiss uint64 `json:"slotsDutyCycleMiss" db:"slots_duty_cycle_miss"`
}

// NetworkTotals are network-wide counters that are not attributed to a device
type NetworkTotals struct {
	Beacons             uint64 `json:"beacons"`
	BeaconFailures      uint64 `json:"beaconFailures"`
	InvariantViolations uint64 `json:"invariantViolations"`
}

// RunSummary is the end-of-run report
type RunSummary struct {
	Run      Run                `json:"run"`
	Network  []DeviceSummary    `json:"network"`
	Devices  []EndDeviceSummary `json:"devices"`
	Gateways []GatewaySummary   `json:"gateways"`
	Totals   NetworkTotals      `json:"totals"`
}

// WriteTables prints the summary as tab separated tables
func (s *RunSummary) WriteTables(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "=== Network server (run %s, %.0fs) ===\n", s.Run.ID, s.Run.Duration.Seconds())
	fmt.Fprintln(tw, "devAddr\tDSGenerated\tDSSent\tRW1\tRW2\tDSRetrans\tDSAcks\tDSAckd\tDSDropped\tClassBGen\tClassBSent\tUSPackets\tUSDup\tUSRetrans\t")
	var ns DeviceSummary
	for _, d := range s.Network {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t\n",
			d.DevAddr, d.DSGenerated, d.DSSent, d.RW1Sent, d.RW2Sent, d.DSRetransmissions, d.DSAcks,
			d.DSAckd, d.DSDropped, d.ClassBGenerated, d.ClassBSent, d.USPackets, d.USDuplicates, d.USRetransmissions)
		ns.DSGenerated += d.DSGenerated
		ns.DSSent += d.DSSent
		ns.RW1Sent += d.RW1Sent
		ns.RW2Sent += d.RW2Sent
		ns.DSRetransmissions += d.DSRetransmissions
		ns.DSAcks += d.DSAcks
		ns.DSAckd += d.DSAckd
		ns.DSDropped += d.DSDropped
		ns.ClassBGenerated += d.ClassBGenerated
		ns.ClassBSent += d.ClassBSent
		ns.USPackets += d.USPackets
		ns.USDuplicates += d.USDuplicates
		ns.USRetransmissions += d.USRetransmissions
	}
	fmt.Fprintf(tw, "total\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t\n",
		ns.DSGenerated, ns.DSSent, ns.RW1Sent, ns.RW2Sent, ns.DSRetransmissions, ns.DSAcks,
		ns.DSAckd, ns.DSDropped, ns.ClassBGenerated, ns.ClassBSent, ns.USPackets, ns.USDuplicates, ns.USRetransmissions)
	fmt.Fprintf(tw, "beacons\t%d\tfailed\t%d\tinvariant violations\t%d\t\n",
		s.Totals.Beacons, s.Totals.BeaconFailures, s.Totals.InvariantViolations)

	fmt.Fprintln(tw, "\n=== End devices ===")
	fmt.Fprintln(tw, "devAddr\tattempted\tRX1\tRX2\tClassBDown\tBeacons\tMissedBeacons\tClassB\t")
	var ed EndDeviceSummary
	for _, d := range s.Devices {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%v\t\n",
			d.DevAddr, d.BytesAttempted, d.RX1, d.RX2, d.ClassBDown, d.Beacons, d.MissedBeacons, d.IsClassB)
		ed.BytesAttempted += d.BytesAttempted
		ed.RX1 += d.RX1
		ed.RX2 += d.RX2
		ed.ClassBDown += d.ClassBDown
		ed.Beacons += d.Beacons
		ed.MissedBeacons += d.MissedBeacons
	}
	fmt.Fprintf(tw, "total\t%d\t%d\t%d\t%d\t%d\t%d\t\t\n",
		ed.BytesAttempted, ed.RX1, ed.RX2, ed.ClassBDown, ed.Beacons, ed.MissedBeacons)

	fmt.Fprintln(tw, "\n=== Gateways ===")
	fmt.Fprintln(tw, "gateway\tuplinks\tdownlinks\tbeacons\tslotsAllocated\tslotsUsed\tcollisions\tdutyCycle\t")
	for _, g := range s.Gateways {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t\n",
			g.GatewayID, g.UplinksRelayed, g.DownlinksSent, g.BeaconsSent,
			g.SlotsAllocated, g.SlotsUsed, g.SlotsCollision, g.SlotsDutyCycleMiss)
	}

	return tw.Flush()
}
