// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package linkproto

import (
	"fmt"
	"strings"
	"time"
)

// FormatFrame formats a decoded frame into a human-readable line
func FormatFrame(ts time.Time, f Frame) string {
	timestamp := ts.Format("15:04:05.000")

	switch f.Kind {
	case KindControl:
		return fmt.Sprintf("[%s] %s %s\n", timestamp, f.Kind, FormatControl(f.Control))
	case KindOtaControl:
		return fmt.Sprintf("[%s] %s %s\n", timestamp, f.Kind, FormatOtaControl(f.OtaControl))
	case KindOtaBulk:
		return fmt.Sprintf("[%s] %s %s seq=%d len=%d\n", timestamp, f.Kind,
			FormatCode(f.Bulk.Code), f.Bulk.Seq, len(f.Bulk.Data))
	default:
		return fmt.Sprintf("[%s] %s\n", timestamp, f.Kind)
	}
}

// FormatControl formats the fields of a control packet
func FormatControl(p ControlPacket) string {
	return fmt.Sprintf("rpm=%d mode=%s water=%s sensor=%s",
		p.Value, p.Mode, FormatTenths(p.Secondary), FormatSensorStatus(p.SecondaryStatus))
}

// FormatOtaControl formats the fields of an OTA control packet
func FormatOtaControl(p OtaControl) string {
	return fmt.Sprintf("%s (0x%02X) param=%d size=%d digest=0x%08X",
		FormatCode(p.Code), p.Code, p.Param, p.Size, p.Digest)
}

// FormatCode returns the name of an OTA command or status code. Command and status
// values overlap, so ambiguous values render both names.
func FormatCode(code uint8) string {
	var names []string
	switch code {
	case CmdStatus:
		names = append(names, "STATUS")
	case CmdGetInfo:
		names = append(names, "GET_INFO")
	case CmdStartBulk:
		names = append(names, "START_BULK")
	case CmdDone:
		names = append(names, "DONE")
	case CmdAbort:
		names = append(names, "ABORT")
	case CmdChunk:
		names = append(names, "CHUNK")
	}
	switch code {
	case StatusIdle:
		names = append(names, "IDLE")
	case StatusFwReady:
		names = append(names, "FW_READY")
	case StatusBusy:
		names = append(names, "BUSY")
	case StatusVerifyRequested:
		names = append(names, "VERIFY_REQUESTED")
	case StatusVerified:
		names = append(names, "VERIFIED")
	case StatusVerifyFailed:
		names = append(names, "VERIFY_FAILED")
	case StatusBulkReady:
		names = append(names, "BULK_READY")
	case StatusChunkAck:
		names = append(names, "CHUNK_ACK")
	case StatusDone:
		names = append(names, "DONE")
	case StatusAborted:
		names = append(names, "ABORTED")
	case StatusError:
		names = append(names, "ERROR")
	}
	if len(names) == 0 {
		return "UNKNOWN"
	}
	return strings.Join(names, "|")
}

// FormatSensorStatus returns the name of a water sensor status byte
func FormatSensorStatus(status uint8) string {
	switch status {
	case SensorOK:
		return "OK"
	case SensorDisconnected:
		return "DISCONNECTED"
	case SensorShorted:
		return "SHORTED"
	case SensorInvalid:
		return "INVALID"
	default:
		return fmt.Sprintf("0x%02X", status)
	}
}

// FormatHex formats raw bytes as space-separated hex, truncated after max bytes
func FormatHex(data []byte, max int) string {
	if max > 0 && len(data) > max {
		return fmt.Sprintf("% X ... (%d bytes)", data[:max], len(data))
	}
	return fmt.Sprintf("% X", data)
}

// FormatTenths formats a value in tenths with one decimal place
func FormatTenths(v int16) string {
	n := int(v)
	sign := ""
	if n < 0 {
		sign = "-"
		n = -n
	}
	return fmt.Sprintf("%s%d.%d", sign, n/10, n%10)
}
