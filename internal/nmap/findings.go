package nmap

import (
	"fmt"
	"strconv"
	"strings"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/Ullaakut/nmap/v3"
	"github.com/google/uuid"

	"github.com/CZERTAINLY/Boxworker/internal/model"
)

const (
	CategoryOpenPort = "Open Port"
	CategoryHost     = "Host"
	osiNetwork       = "NETWORK"
)

// HostFindings converts a scanned host into a Host finding and one
// Open Port finding per open port. Hosts which are not up produce nothing.
func HostFindings(host nmap.Host) []model.Finding {
	if !strings.EqualFold(host.Status.State, "up") {
		return nil
	}
	ip := primaryAddr(host)
	hostName := hostname(host)
	location := ip
	if hostName != "" {
		location = hostName
	}

	findings := []model.Finding{{
		ID:          uuid.NewString(),
		Name:        "Host: " + location,
		Description: "Found a host",
		Category:    CategoryHost,
		OSILayer:    osiNetwork,
		Severity:    model.SeverityInformational,
		Location:    location,
		Attributes: map[string]any{
			"ip_address":  ip,
			"hostname":    hostName,
			"mac_address": macAddr(host),
		},
	}}

	for _, port := range host.Ports {
		if !strings.EqualFold(port.State.State, "open") {
			continue
		}
		proto := strings.ToLower(port.Protocol)
		findings = append(findings, model.Finding{
			ID:          uuid.NewString(),
			Name:        fmt.Sprintf("Port %d is open", port.ID),
			Description: fmt.Sprintf("Port %d is open using %s protocol.", port.ID, proto),
			Category:    CategoryOpenPort,
			OSILayer:    osiNetwork,
			Severity:    model.SeverityInformational,
			Location:    fmt.Sprintf("%s://%s:%d", proto, ip, port.ID),
			Attributes: map[string]any{
				"port":               int(port.ID),
				"state":              port.State.State,
				"ip_address":         ip,
				"hostname":           hostName,
				"protocol":           proto,
				"service":            port.Service.Name,
				"serviceProductName": port.Service.Product,
				"serviceVersion":     port.Service.Version,
				"scripts":            scripts(port.Scripts),
				"method":             port.Service.Method,
				"mac_address":        macAddr(host),
			},
		})
	}
	return findings
}

// hostComponents describes a host and its ports as CycloneDX components,
// the host depends on its ports
func hostComponents(host nmap.Host) ([]cdx.Component, []cdx.Dependency) {
	addr := primaryAddr(host)
	hostCompo := cdx.Component{
		BOMRef: "nmap:host/" + addr,
		Type:   cdx.ComponentTypeDevice,
		Name:   addr,
		Properties: &[]cdx.Property{
			{Name: "nmap:addresses", Value: addresses(host)},
			{Name: "nmap:hostname", Value: hostname(host)},
			{Name: "nmap:status", Value: host.Status.State},
		},
	}

	compos := []cdx.Component{hostCompo}
	portRefs := make([]string, 0, len(host.Ports))
	for _, port := range host.Ports {
		state := strings.ToLower(port.State.State)
		proto := strings.ToLower(port.Protocol)
		props := []cdx.Property{
			{Name: "nmap:port", Value: strconv.Itoa(int(port.ID))},
			{Name: "nmap:protocol", Value: proto},
			{Name: "nmap:state", Value: state},
			{Name: "nmap:service_name", Value: port.Service.Name},
			{Name: "nmap:service_product", Value: port.Service.Product},
			{Name: "nmap:service_version", Value: port.Service.Version},
		}
		for _, s := range port.Scripts {
			props = append(props, cdx.Property{Name: "nmap:script:" + s.ID, Value: s.Output})
		}
		compo := cdx.Component{
			BOMRef:     fmt.Sprintf("nmap:%s/%s/%s:%d", proto, state, addr, port.ID),
			Type:       cdx.ComponentTypeData,
			Name:       fmt.Sprintf("%s/%d", proto, port.ID),
			Properties: &props,
		}
		compos = append(compos, compo)
		portRefs = append(portRefs, compo.BOMRef)
	}

	var deps []cdx.Dependency
	if len(portRefs) > 0 {
		deps = append(deps, cdx.Dependency{Ref: hostCompo.BOMRef, Dependencies: &portRefs})
		for _, ref := range portRefs {
			deps = append(deps, cdx.Dependency{Ref: ref})
		}
	}
	return compos, deps
}

func primaryAddr(host nmap.Host) string {
	for _, a := range host.Addresses {
		if a.AddrType != "mac" {
			return a.Addr
		}
	}
	return "unknown"
}

func macAddr(host nmap.Host) string {
	for _, a := range host.Addresses {
		if a.AddrType == "mac" {
			return a.Addr
		}
	}
	return ""
}

func hostname(host nmap.Host) string {
	if len(host.Hostnames) == 0 {
		return ""
	}
	return host.Hostnames[0].Name
}

func addresses(host nmap.Host) string {
	var addresses []string
	for _, a := range host.Addresses {
		addresses = append(addresses, a.Addr)
	}
	return strings.Join(addresses, ",")
}

func scripts(ss []nmap.Script) map[string]string {
	if len(ss) == 0 {
		return nil
	}
	ret := make(map[string]string, len(ss))
	for _, s := range ss {
		ret[s.ID] = s.Output
	}
	return ret
}
