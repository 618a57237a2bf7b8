package message

// EntityHandle names a replicated entity. On the sending side of the wire a
// handle is local to the host's world; on the wire and at the receiver it is
// the shared global handle minted by the replication authority.
type EntityHandle uint64

// EntityConverter translates between a host's local entity handles and the
// shared global handles carried on the wire. Implemented by the
// entity-replication collaborator; the runtime only consults it at serialize
// and deliver time.
type EntityConverter interface {
	// LocalToGlobal rewrites a local handle for transmission.
	LocalToGlobal(local EntityHandle) (EntityHandle, bool)
	// GlobalToLocal resolves a received global handle, reporting false while
	// the entity is not yet present in the local world.
	GlobalToLocal(global EntityHandle) (EntityHandle, bool)
}

// IdentityConverter maps every handle to itself. Useful for hosts that do not
// replicate entities.
type IdentityConverter struct{}

func (IdentityConverter) LocalToGlobal(h EntityHandle) (EntityHandle, bool) { return h, true }
func (IdentityConverter) GlobalToLocal(h EntityHandle) (EntityHandle, bool) { return h, true }

// ConvertOutgoing rewrites a container's handle list from local to global
// form for transmission.
func ConvertOutgoing(conv EntityConverter, c Container) (Container, error) {
	if len(c.Handles) == 0 {
		return c, nil
	}
	out := make([]EntityHandle, len(c.Handles))
	for i, local := range c.Handles {
		global, ok := conv.LocalToGlobal(local)
		if !ok {
			return c, ErrHandleUnmapped
		}
		out[i] = global
	}
	c.Handles = out
	return c, nil
}

// UnresolvedHandles returns the subset of a received container's global
// handles that the local world does not know yet.
func UnresolvedHandles(conv EntityConverter, c Container) []EntityHandle {
	var missing []EntityHandle
	for _, global := range c.Handles {
		if _, ok := conv.GlobalToLocal(global); !ok {
			missing = append(missing, global)
		}
	}
	return missing
}
