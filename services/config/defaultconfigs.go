package config

// -----------------------------------------------------------------------------
// Embedded configuration
//
// Key: device name (--device)
// Val: YAML document for that device. A file given with --config is merged
// over it.
// -----------------------------------------------------------------------------

const cfgEthGateway = `
listen: ":8080"
data_dir: /var/lib/devicelink
store: sqlite
bearers:
  - name: eth0
    mode: dhcp
    ip: 192.168.0.101
    netmask: 255.255.255.0
    gateway: 192.168.0.1
    dns: 8.8.8.8
    dhcp_timeout: 15s
ota:
  slot_dir: slots
  restart_delay: 8s
heartbeat:
  interval: 30s
bridge:
  broker: ""
`

const cfgSim = `
listen: "127.0.0.1:8080"
data_dir: ./devicelink-data
store: memory
bearers:
  - name: sim0
    mode: dhcp
    ip: 192.168.0.101
    netmask: 255.255.255.0
    gateway: 192.168.0.1
    dhcp_timeout: 5s
  - name: sim1
    mode: static
    ip: 10.10.0.2
    netmask: 255.255.255.0
    gateway: 10.10.0.1
    dns: 1.1.1.1
heartbeat:
  interval: 10s
`

var embeddedConfigs = map[string][]byte{
	"eth-gw": []byte(cfgEthGateway),
	"sim":    []byte(cfgSim),
}
