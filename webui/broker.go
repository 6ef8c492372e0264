package webui

import (
	"net/http"
	"sort"

	"device-opcua/logic"

	"github.com/gin-gonic/gin"
)

// ACLEntry is one topic filter of a broker login.
type ACLEntry struct {
	Topic      string `json:"topic"`
	Permission string `json:"permission"`
}

// User is a broker login with its ACL.
type User struct {
	Username   string     `json:"username"`
	AclEntries []ACLEntry `json:"aclEntries"`
}

// getBrokerUsers lists the logins of the embedded broker.
func (s *Server) getBrokerUsers(c *gin.Context) {
	acls, err := logic.BrokerUsers(s.deps.DB)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "error fetching users and ACLs"})
		return
	}

	users := make([]User, 0, len(acls))
	for _, acl := range acls {
		u := User{Username: acl.Username, AclEntries: []ACLEntry{}}
		for topic, permission := range acl.Filters {
			u.AclEntries = append(u.AclEntries, ACLEntry{Topic: topic, Permission: getPermissionText(permission)})
		}
		sort.Slice(u.AclEntries, func(i, j int) bool { return u.AclEntries[i].Topic < u.AclEntries[j].Topic })
		users = append(users, u)
	}
	c.JSON(http.StatusOK, users)
}
