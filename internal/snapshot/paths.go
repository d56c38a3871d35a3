package snapshot

// Store layout. Every record the engine touches lives at one of these paths.

func EntityPath(entityID string) string { return JoinPath("entities", entityID) }

// FriendEdgePath is the friends edge owned by a: users/{a}/friends/{b}.
func FriendEdgePath(a, b string) string { return JoinPath("users", a, "friends", b) }

// FriendRequestPath is the request from sender, stored under recipient.
func FriendRequestPath(recipient, sender string) string {
	return JoinPath("users", recipient, "friendRequests", sender)
}

func NotificationPath(userID, notificationID string) string {
	return JoinPath("users", userID, "notifications", notificationID)
}

func SavedItemsPath(userID string) string { return JoinPath("users", userID, "savedItems") }

func SavedItemPath(userID, itemID string) string {
	return JoinPath("users", userID, "savedItems", itemID)
}

func FeedPath(feedID string) string { return JoinPath("feeds", feedID) }

func FeedItemPath(feedID, itemID string) string { return JoinPath("feeds", feedID, itemID) }
