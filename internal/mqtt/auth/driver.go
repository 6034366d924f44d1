// Package auth implements the MQTT front-end's authenticator, backed
// by the internal/metadata/mqttmeta session cache.
package auth

import (
	"time"

	"github.com/robustmq/robustmq/internal/metadata/mqttmeta"
)

// Driver authenticates CONNECT credentials and authorizes publish/
// subscribe/retain actions against the shared MQTT session cache.
type Driver struct {
	tables *mqttmeta.Tables
	now    func() time.Time
}

// NewDriver creates an auth driver over tables.
func NewDriver(tables *mqttmeta.Tables) *Driver {
	return &Driver{tables: tables, now: time.Now}
}

// Authenticate validates a CONNECT packet's username/password against
// the registered user table. A connect that offers no username at all is
// admitted with no identity (blacklist and ACL stages still apply to its
// client_id and source address); offering an unregistered username or a
// wrong password is rejected.
func (d *Driver) Authenticate(clientID, username string, password []byte) bool {
	if username == "" {
		return len(password) == 0
	}
	u, ok := d.tables.User(username)
	if !ok {
		return false
	}
	return u.Password == string(password)
}

// Blacklisted runs the blacklist stage for CONNECT processing: a denied
// identity gets NotAuthorized rather than BadUserNameOrPassword.
// Super-users bypass the blacklist.
func (d *Driver) Blacklisted(username, clientID, sourceIP string) bool {
	if u, ok := d.tables.User(username); ok && u.IsSuperuser {
		return false
	}
	return d.tables.Blacklisted(username, clientID, sourceIP, d.now())
}

// ACL runs the full auth driver order for a publish
// (write=true) or subscribe (write=false) on topic.
func (d *Driver) ACL(loginUser, clientID, sourceIP, topic string, write bool) bool {
	action := mqttmeta.ACLActionSubscribe
	if write {
		action = mqttmeta.ACLActionPublish
	}
	return d.tables.Evaluate(loginUser, clientID, sourceIP, topic, action, d.now())
}

// ACLRetain authorizes publishing topic as a retained message, a distinct
// action from a plain publish.
func (d *Driver) ACLRetain(loginUser, clientID, sourceIP, topic string) bool {
	return d.tables.Evaluate(loginUser, clientID, sourceIP, topic, mqttmeta.ACLActionRetain, d.now())
}
