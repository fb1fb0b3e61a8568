// Package fleet loads the node inventory: which gateway nodes exist, how to
// reach them, and which users are assigned to which nodes.
package fleet

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Node kinds supported by the poller and kick paths.
const (
	KindOpenVPN   = "openvpn"
	KindWireGuard = "wireguard"
)

// Node describes one remote VPN gateway.
type Node struct {
	ID       string `yaml:"id"`
	Host     string `yaml:"host"`
	User     string `yaml:"user"`
	KeyFile  string `yaml:"key_file,omitempty"`
	Password string `yaml:"password,omitempty"`
	Kind     string `yaml:"kind"`
	WgIface  string `yaml:"wg_iface,omitempty"`
	Port     int    `yaml:"port"`
	MgmtPort int    `yaml:"mgmt_port,omitempty"`
}

// User maps a VPN account to the nodes it is permitted to use.
type User struct {
	Name  string   `yaml:"name"`
	Nodes []string `yaml:"nodes"`
}

// Inventory is the parsed fleet definition. Read-only after Load.
type Inventory struct {
	Nodes []Node `yaml:"nodes"`
	Users []User `yaml:"users"`

	byID     map[string]Node
	byUser   map[string][]string
	defaults defaults
}

type defaults struct {
	keyFile string
}

// Load reads and validates the inventory file.
func Load(path, defaultKeyFile string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}

	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}
	inv.defaults.keyFile = defaultKeyFile

	if err := inv.index(); err != nil {
		return nil, err
	}

	return &inv, nil
}

func (inv *Inventory) index() error {
	inv.byID = make(map[string]Node, len(inv.Nodes))
	for i, n := range inv.Nodes {
		if n.ID == "" || n.Host == "" {
			return fmt.Errorf("node %d: id and host are required", i)
		}
		if _, dup := inv.byID[n.ID]; dup {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}

		if n.Port == 0 {
			n.Port = 22
		}
		if n.User == "" {
			n.User = "root"
		}
		if n.Kind == "" {
			n.Kind = KindOpenVPN
		}
		if n.Kind == KindOpenVPN && n.MgmtPort == 0 {
			n.MgmtPort = 7505
		}
		if n.Kind == KindWireGuard && n.WgIface == "" {
			n.WgIface = "wg0"
		}
		if n.KeyFile == "" {
			n.KeyFile = inv.defaults.keyFile
		}

		inv.byID[n.ID] = n
	}

	inv.byUser = make(map[string][]string, len(inv.Users))
	for _, u := range inv.Users {
		ids := make([]string, 0, len(u.Nodes))
		for _, id := range u.Nodes {
			if _, ok := inv.byID[id]; !ok {
				return fmt.Errorf("user %q references unknown node %q", u.Name, id)
			}
			ids = append(ids, id)
		}
		inv.byUser[u.Name] = ids
	}

	return nil
}

// Get returns the node with the given id.
func (inv *Inventory) Get(id string) (Node, bool) {
	n, ok := inv.byID[id]
	return n, ok
}

// All returns every node sorted by id.
func (inv *Inventory) All() []Node {
	nodes := make([]Node, 0, len(inv.byID))
	for _, n := range inv.byID {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	return nodes
}

// NodesFor returns the nodes a user is assigned to. A user absent from the
// inventory has no nodes and therefore no kickable sessions.
func (inv *Inventory) NodesFor(username string) []Node {
	ids := inv.byUser[username]
	nodes := make([]Node, 0, len(ids))
	for _, id := range ids {
		if n, ok := inv.byID[id]; ok {
			nodes = append(nodes, n)
		}
	}

	return nodes
}
