package notify

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gosnmp/gosnmp"
	"k8s.io/klog/v2"
)

const (
	// snmpTrapOID is the standard SNMPv2 trap identity varbind
	snmpTrapOID = "1.3.6.1.6.3.1.1.4.1.0"

	// enterpriseOID is a private subtree under the net-snmp enterprise arc;
	// notification OIDs live at .0.<arc>, payload objects at .1.<n>
	enterpriseOID = "1.3.6.1.4.1.8072.9999.1"

	oidSubject = enterpriseOID + ".1.1"
	oidBody    = enterpriseOID + ".1.2"

	defaultTrapPort = 162
)

// categoryArcs assigns each category a fixed notification arc so manager
// filters stay stable across releases.
var categoryArcs = map[Category]int{
	CategoryShareDown:     1,
	CategoryStaleHandle:   2,
	CategoryResidualFiles: 3,
	CategoryRemountResult: 4,
	CategoryScriptErrors:  5,
	CategoryDebugOutput:   6,
}

// trapOID returns the notification OID for a category.
func trapOID(c Category) string {
	arc, ok := categoryArcs[c]
	if !ok {
		arc = 99
	}
	return fmt.Sprintf("%s.0.%d", enterpriseOID, arc)
}

// TrapConfig holds SNMP trap destination configuration. Addr may carry an
// explicit port; without one the standard trap port 162 is used.
type TrapConfig struct {
	Addr      string
	Community string
}

// TrapSender emits SNMPv2c traps mirroring queued notifications.
type TrapSender struct {
	config TrapConfig
}

// NewTrapSender creates a trap sender for the given destination.
func NewTrapSender(config TrapConfig) (*TrapSender, error) {
	if config.Addr == "" {
		return nil, fmt.Errorf("snmp trap address is required")
	}
	if config.Community == "" {
		config.Community = "public"
	}
	return &TrapSender{config: config}, nil
}

// Emit sends one trap carrying the entry's subject and body.
func (t *TrapSender) Emit(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target, port, err := splitTrapAddr(t.config.Addr)
	if err != nil {
		return err
	}

	client := &gosnmp.GoSNMP{
		Target:    target,
		Port:      port,
		Community: t.config.Community,
		Version:   gosnmp.Version2c,
		Timeout:   5 * time.Second,
		Retries:   2,
	}
	if err := client.Connect(); err != nil {
		return fmt.Errorf("SNMP connect failed: %w", err)
	}
	defer client.Conn.Close()

	trap := gosnmp.SnmpTrap{
		Variables: []gosnmp.SnmpPDU{
			{Name: snmpTrapOID, Type: gosnmp.ObjectIdentifier, Value: trapOID(e.Category)},
			{Name: oidSubject, Type: gosnmp.OctetString, Value: e.Subject},
			{Name: oidBody, Type: gosnmp.OctetString, Value: e.Body},
		},
	}
	if _, err := client.SendTrap(trap); err != nil {
		return fmt.Errorf("SNMP trap send failed: %w", err)
	}
	klog.V(4).Infof("Sent SNMP trap %s for %q to %s", trapOID(e.Category), e.Subject, t.config.Addr)
	return nil
}

// splitTrapAddr splits "host:port" or "host" into target and port.
func splitTrapAddr(addr string) (string, uint16, error) {
	target, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// No port in the address
		return addr, defaultTrapPort, nil
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid snmp trap port %q: %w", portStr, err)
	}
	return target, uint16(port), nil
}
